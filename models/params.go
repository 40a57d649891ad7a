package models

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

// RandomLayer returns a layer with normally distributed weights and biases.
func RandomLayer(rng *rand.Rand, in, out int, std float64) Layer {
	w := make([][]float64, in)
	for i := range w {
		w[i] = make([]float64, out)
		for j := range w[i] {
			w[i][j] = rng.NormFloat64() * std
		}
	}

	b := make([]float64, out)
	for i := range b {
		b[i] = rng.NormFloat64() * std
	}

	return Layer{Weights: w, Bias: b}
}

// IdentityLayer returns an n x n identity layer with a zero bias.
func IdentityLayer(n int) Layer {
	w := make([][]float64, n)
	for i := range w {
		w[i] = make([]float64, n)
		w[i][i] = 1
	}
	return Layer{Weights: w, Bias: make([]float64, n)}
}

// RandomFC returns fc parameters for an in -> hidden1 -> hidden2 -> out network.
func RandomFC(rng *rand.Rand, in, hidden1, hidden2, out int) FCParameters {
	return FCParameters{
		FC1: RandomLayer(rng, in, hidden1, 0.1),
		FC2: RandomLayer(rng, hidden1, hidden2, 0.1),
		FC3: RandomLayer(rng, hidden2, out, 0.1),
	}
}

// RandomConv returns conv parameters for the given im2col geometry.
func RandomConv(rng *rand.Rand, kernelSize, windows, channels, hidden, out int) ConvParameters {
	kernels := make([][]float64, channels)
	for c := range kernels {
		kernels[c] = make([]float64, kernelSize)
		for k := range kernels[c] {
			kernels[c][k] = rng.NormFloat64() * 0.1
		}
	}
	bias := make([]float64, channels)
	for c := range bias {
		bias[c] = rng.NormFloat64() * 0.1
	}
	return ConvParameters{
		Windows:  windows,
		Kernels:  kernels,
		ConvBias: bias,
		FC1:      RandomLayer(rng, channels*windows, hidden, 0.1),
		FC2:      RandomLayer(rng, hidden, out, 0.1),
	}
}

// WriteParameters saves params as the parameter file of a model version.
func WriteParameters(dir, name, version string, params interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	path := filepath.Join(dir, ParametersFile(name, version))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
