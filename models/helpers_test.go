package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func plainLayer(x []float64, l Layer) []float64 {
	out := make([]float64, len(l.Weights[0]))
	for j := range out {
		if l.Bias != nil {
			out[j] = l.Bias[j]
		}
		for i := range x {
			out[j] += x[i] * l.Weights[i][j]
		}
	}
	return out
}

func square(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v * v
	}
	return out
}
