package models

import (
	"fmt"

	"github.com/halilibrahimkanpak/eeval/errdefs"
	"github.com/halilibrahimkanpak/eeval/he"
)

// Model evaluates an encrypted input. Implementations hold only plaintext
// parameters and are safe for concurrent use.
type Model interface {
	// PrepareInput deserializes the client's context and input vector and
	// checks the context carries the keys Forward needs.
	PrepareInput(contextBlob, vectorBlob []byte) (*he.Vector, error)
	// Forward runs the model on an encrypted input.
	Forward(v *he.Vector) (*he.Vector, error)
}

// Activation names.
const (
	Identity   = "identity"
	Square     = "square"
	Polynomial = "polynomial"
)

// Layer is a linear transform followed by an activation.
type Layer struct {
	Weights      [][]float64 `json:"weights"` // [in][out]
	Bias         []float64   `json:"bias,omitempty"`
	Activation   string      `json:"activation,omitempty"`
	Coefficients []float64   `json:"coefficients,omitempty"` // for polynomial, lowest degree first
}

func (l Layer) in() int  { return len(l.Weights) }
func (l Layer) out() int { return len(l.Weights[0]) }

// depth is the number of levels the layer consumes.
func (l Layer) depth() int {
	switch l.Activation {
	case Square:
		return 2
	case Polynomial:
		return 1 + he.PolynomialDepth(l.Coefficients)
	default:
		return 1
	}
}

func (l Layer) validate() error {
	if len(l.Weights) == 0 || len(l.Weights[0]) == 0 {
		return fmt.Errorf("empty weight matrix")
	}
	for i, row := range l.Weights {
		if len(row) != l.out() {
			return fmt.Errorf("weight row %d has %d columns, want %d", i, len(row), l.out())
		}
	}
	if l.Bias != nil && len(l.Bias) != l.out() {
		return fmt.Errorf("bias has %d values, want %d", len(l.Bias), l.out())
	}
	switch l.Activation {
	case "", Identity, Square:
	case Polynomial:
		if len(l.Coefficients) == 0 {
			return fmt.Errorf("polynomial activation without coefficients")
		}
	default:
		return fmt.Errorf("unknown activation %q", l.Activation)
	}
	return nil
}

// Network is a chain of layers evaluated with the diagonal matrix product.
type Network struct {
	layers []Layer
}

// NewNetwork checks that consecutive layers have matching dimensions.
func NewNetwork(layers ...Layer) (*Network, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("network has no layers")
	}
	for i, l := range layers {
		if err := l.validate(); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if i > 0 && layers[i-1].out() != l.in() {
			return nil, fmt.Errorf("layer %d expects %d inputs but layer %d has %d outputs", i, l.in(), i-1, layers[i-1].out())
		}
	}
	return &Network{layers: layers}, nil
}

// InputSize is the length of the vectors the network accepts.
func (n *Network) InputSize() int { return n.layers[0].in() }

// OutputSize is the length of the vectors the network returns.
func (n *Network) OutputSize() int { return n.layers[len(n.layers)-1].out() }

// Depth is the number of levels a forward pass consumes.
func (n *Network) Depth() int {
	d := 0
	for _, l := range n.layers {
		d += l.depth()
	}
	return d
}

func (n *Network) needsRelinearization() bool {
	for _, l := range n.layers {
		if l.Activation == Square || (l.Activation == Polynomial && len(l.Coefficients) > 2) {
			return true
		}
	}
	return false
}

// PrepareInput parses the context and the input vector and checks that the
// context carries the keys and levels the network needs.
func (n *Network) PrepareInput(contextBlob, vectorBlob []byte) (*he.Vector, error) {
	const op = "models.PrepareInput"

	ctx, err := he.UnmarshalContext(contextBlob)
	if err != nil {
		return nil, err
	}
	if err := ctx.Require(he.Requirements{Relinearization: n.needsRelinearization(), Rotations: true}); err != nil {
		return nil, err
	}
	if ctx.MaxLevel() < n.Depth() {
		return nil, errdefs.InvalidContext(op, "the context supports %d multiplicative levels but the model needs %d", ctx.MaxLevel(), n.Depth())
	}
	for _, l := range n.layers {
		if max(l.in(), l.out()) > ctx.Slots() {
			return nil, errdefs.InvalidContext(op, "a layer of size %dx%d doesn't fit in %d slots", l.in(), l.out(), ctx.Slots())
		}
	}
	return ctx.UnmarshalVector(vectorBlob)
}

// Forward evaluates the layers in order on an encrypted input.
func (n *Network) Forward(v *he.Vector) (*he.Vector, error) {
	const op = "models.Forward"

	eval := he.NewEvaluator(v.Context())
	out := v
	for i, l := range n.layers {
		var err error
		if out, err = eval.Linear(out, l.Weights, l.Bias); err != nil {
			return nil, errdefs.Evaluation(op, fmt.Errorf("layer %d: %w", i, err))
		}
		switch l.Activation {
		case Square:
			out, err = eval.Square(out)
		case Polynomial:
			out, err = eval.Polynomial(out, l.Coefficients)
		}
		if err != nil {
			return nil, errdefs.Evaluation(op, fmt.Errorf("layer %d activation: %w", i, err))
		}
	}
	return out, nil
}
