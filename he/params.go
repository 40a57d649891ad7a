package he

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// DefaultParameters is the preset used by the server and the command line
// tools: 4096 slots, six rescaling levels and a 2^40 scale.
var DefaultParameters = ckks.ParametersLiteral{
	LogN:            13,
	LogQ:            []int{55, 40, 40, 40, 40, 40, 40},
	LogP:            []int{61},
	LogDefaultScale: 40,
}

// TestParameters has the same modulus chain as DefaultParameters on a smaller
// ring (2048 slots) so that key generation stays fast.
var TestParameters = ckks.ParametersLiteral{
	LogN:            12,
	LogQ:            []int{55, 40, 40, 40, 40, 40, 40},
	LogP:            []int{61},
	LogDefaultScale: 40,
}

// ParametersFromSizes builds a literal the way the create-context command
// describes one: a power-of-two ring degree, the bit sizes of the
// coefficient moduli (the last one is used as the key-switching modulus) and
// the scale in bits.
func ParametersFromSizes(polyDegree int, coeffBits []int, scaleBits int) (ckks.ParametersLiteral, error) {
	if polyDegree <= 0 || polyDegree&(polyDegree-1) != 0 {
		return ckks.ParametersLiteral{}, fmt.Errorf("polynomial degree %d is not a power of two", polyDegree)
	}
	if len(coeffBits) < 3 {
		return ckks.ParametersLiteral{}, fmt.Errorf("need at least 3 coefficient moduli, got %d", len(coeffBits))
	}
	logN := 0
	for d := polyDegree; d > 1; d >>= 1 {
		logN++
	}
	logQ := append([]int(nil), coeffBits[:len(coeffBits)-1]...)
	return ckks.ParametersLiteral{
		LogN:            logN,
		LogQ:            logQ,
		LogP:            []int{coeffBits[len(coeffBits)-1]},
		LogDefaultScale: scaleBits,
	}, nil
}

// PowerOfTwoRotations returns {1, 2, 4, ...} below slots. Every rotation used
// by the evaluator is decomposed over this set.
func PowerOfTwoRotations(slots int) []int {
	var rots []int
	for k := 1; k < slots; k <<= 1 {
		rots = append(rots, k)
	}
	return rots
}
