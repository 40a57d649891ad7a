package models

import (
	"encoding/json"
	"fmt"
)

type factory struct {
	name        string
	description string
	build       func(params []byte) (Model, error)
}

func (f *factory) Name() string        { return f.name }
func (f *factory) Description() string { return f.description }

func (f *factory) New(params []byte) (Model, error) {
	return f.build(params)
}

// NewFactory returns a Factory from a build function.
func NewFactory(name, description string, build func(params []byte) (Model, error)) Factory {
	return &factory{name: name, description: description, build: build}
}

// FCParameters is the parameter file of the fc model.
type FCParameters struct {
	FC1 Layer `json:"fc1"`
	FC2 Layer `json:"fc2"`
	FC3 Layer `json:"fc3"`
}

// FC is a three-layer fully connected network with square activations
// after the first two layers.
func FC() Factory {
	return NewFactory("fc",
		"Fully connected network of three linear layers with square activations after the first two. "+
			"Input is a flat feature vector, output one score per class.",
		func(data []byte) (Model, error) {
			var p FCParameters
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("error decoding fc parameters: %w", err)
			}
			p.FC1.Activation, p.FC2.Activation, p.FC3.Activation = Square, Square, Identity
			return NewNetwork(p.FC1, p.FC2, p.FC3)
		})
}

// Linear is a single affine layer.
func Linear() Factory {
	return NewFactory("linear",
		"Single linear layer computing x*W + b.",
		func(data []byte) (Model, error) {
			var l Layer
			if err := json.Unmarshal(data, &l); err != nil {
				return nil, fmt.Errorf("error decoding linear parameters: %w", err)
			}
			l.Activation = Identity
			return NewNetwork(l)
		})
}

// SequentialParameters is the parameter file of the sequential model.
type SequentialParameters struct {
	Layers []Layer `json:"layers"`
}

// Sequential chains the layers listed in the parameter file, each with its
// own activation.
func Sequential() Factory {
	return NewFactory("sequential",
		"Chain of linear layers, each followed by an identity, square or polynomial activation read from the parameter file.",
		func(data []byte) (Model, error) {
			var p SequentialParameters
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("error decoding sequential parameters: %w", err)
			}
			return NewNetwork(p.Layers...)
		})
}

// ConvParameters is the parameter file of the conv model. The input is an
// im2col encoding: slot k*Windows+w holds pixel k of window w.
type ConvParameters struct {
	Windows  int         `json:"windows"`
	Kernels  [][]float64 `json:"kernels"` // [channel][kernel pixel]
	ConvBias []float64   `json:"conv_bias"`
	FC1      Layer       `json:"fc1"`
	FC2      Layer       `json:"fc2"`
}

// ConvLayer expresses the convolution as one matrix over the im2col input:
// output slot c*Windows+w is the dot product of kernel c with window w.
func (p ConvParameters) ConvLayer() (Layer, error) {
	if p.Windows <= 0 || len(p.Kernels) == 0 || len(p.Kernels[0]) == 0 {
		return Layer{}, fmt.Errorf("conv parameters need windows and kernels")
	}
	channels, size := len(p.Kernels), len(p.Kernels[0])
	if p.ConvBias != nil && len(p.ConvBias) != channels {
		return Layer{}, fmt.Errorf("conv bias has %d values for %d channels", len(p.ConvBias), channels)
	}

	w := make([][]float64, size*p.Windows)
	for i := range w {
		w[i] = make([]float64, channels*p.Windows)
	}
	var bias []float64
	if p.ConvBias != nil {
		bias = make([]float64, channels*p.Windows)
	}
	for c, kernel := range p.Kernels {
		if len(kernel) != size {
			return Layer{}, fmt.Errorf("kernel %d has %d values, want %d", c, len(kernel), size)
		}
		for k, v := range kernel {
			for win := 0; win < p.Windows; win++ {
				w[k*p.Windows+win][c*p.Windows+win] = v
			}
		}
		if bias != nil {
			for win := 0; win < p.Windows; win++ {
				bias[c*p.Windows+win] = p.ConvBias[c]
			}
		}
	}
	return Layer{Weights: w, Bias: bias, Activation: Square}, nil
}

// Conv is a convolution followed by two fully connected layers, with square
// activations in between.
func Conv() Factory {
	return NewFactory("conv",
		"Convolution over an im2col-encoded image, square, linear layer, square, linear layer. "+
			"Input is the im2col encoding of the image, output one score per class.",
		func(data []byte) (Model, error) {
			var p ConvParameters
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("error decoding conv parameters: %w", err)
			}
			conv, err := p.ConvLayer()
			if err != nil {
				return nil, err
			}
			p.FC1.Activation, p.FC2.Activation = Square, Identity
			return NewNetwork(conv, p.FC1, p.FC2)
		})
}

// Builtins returns the factories shipped with the server.
func Builtins() []Factory {
	return []Factory{FC(), Linear(), Sequential(), Conv()}
}
