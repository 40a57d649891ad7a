package training

import (
	"math"
	"math/rand"
)

// Sigmoid is the exact logistic function.
func Sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Accuracy returns the fraction of examples whose prediction
// sigmoid(x.w + b) is within 0.5 of the label.
func Accuracy(weights []float64, bias float64, x [][]float64, y []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	correct := 0
	for i := range x {
		out := bias
		for j := range weights {
			out += weights[j] * x[i][j]
		}
		if math.Abs(Sigmoid(out)-y[i]) < 0.5 {
			correct++
		}
	}
	return float64(correct) / float64(len(x))
}

// SeparableData draws m training and m/2 test points with n standard normal
// features, labelled 1 when x[0] >= x[1].
func SeparableData(rng *rand.Rand, m, n int) (xTrain [][]float64, yTrain []float64, xTest [][]float64, yTest []float64) {
	draw := func(count int) ([][]float64, []float64) {
		x := make([][]float64, count)
		y := make([]float64, count)
		for i := range x {
			x[i] = make([]float64, n)
			for j := range x[i] {
				x[i][j] = rng.NormFloat64()
			}
			if x[i][0] >= x[i][1] {
				y[i] = 1
			}
		}
		return x, y
	}
	xTrain, yTrain = draw(m)
	xTest, yTest = draw(m / 2)
	return xTrain, yTrain, xTest, yTest
}

// ApproxSigmoid evaluates the polynomial used in place of the sigmoid during
// encrypted training.
func ApproxSigmoid(z float64) float64 {
	out, p := 0.0, 1.0
	for _, c := range SigmoidCoefficients {
		out += c * p
		p *= z
	}
	return out
}

// PlainStep is the plaintext counterpart of one training round: it returns
// weights and bias after a gradient step computed with ApproxSigmoid.
func PlainStep(weights []float64, bias float64, x [][]float64, y []float64) ([]float64, float64) {
	dw := make([]float64, len(weights))
	db := 0.0
	for i := range x {
		z := bias
		for j := range weights {
			z += weights[j] * x[i][j]
		}
		e := ApproxSigmoid(z) - y[i]
		for j := range dw {
			dw[j] += e * x[i][j]
		}
		db += e
	}
	n := float64(len(x))
	next := make([]float64, len(weights))
	for j := range weights {
		next[j] = weights[j] - dw[j]/n
	}
	return next, bias - db/n
}
