package models

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halilibrahimkanpak/eeval/errdefs"
	"github.com/halilibrahimkanpak/eeval/he"
)

var (
	ctxOnce sync.Once
	testCtx *he.Context
	ctxErr  error
)

func testContext(t *testing.T) *he.Context {
	t.Helper()
	ctxOnce.Do(func() {
		testCtx, ctxErr = he.NewContext(he.TestParameters, he.WithRelinearizationKey(), he.WithPowerOfTwoRotations())
	})
	require.NoError(t, ctxErr)
	return testCtx
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// evaluate runs a model the way the server does: public context and vector
// go through serialization, the result is decrypted with the private context.
func evaluate(t *testing.T, m Model, input []float64) []float64 {
	t.Helper()
	ctx := testContext(t)

	ctxBlob, err := ctx.MarshalPublic()
	require.NoError(t, err)
	v, err := ctx.Encrypt(input)
	require.NoError(t, err)
	vecBlob, err := v.MarshalBinary()
	require.NoError(t, err)

	in, err := m.PrepareInput(ctxBlob, vecBlob)
	require.NoError(t, err)
	out, err := m.Forward(in)
	require.NoError(t, err)

	outBlob, err := out.MarshalBinary()
	require.NoError(t, err)
	res, err := ctx.UnmarshalVector(outBlob)
	require.NoError(t, err)
	values, err := ctx.Decrypt(res)
	require.NoError(t, err)
	return values
}

func requireClose(t *testing.T, expected, actual []float64, tolerance float64) {
	t.Helper()
	require.Len(t, actual, len(expected))
	for i := range expected {
		require.InDelta(t, expected[i], actual[i], tolerance, "index %d", i)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(t.TempDir(), quietLogger())

	require.True(t, errdefs.Is(r.Register(nil, []string{"0.1"}), errdefs.KindInvalidArgument))
	require.True(t, errdefs.Is(r.Register(FC(), nil), errdefs.KindInvalidArgument))
	require.True(t, errdefs.Is(r.Register(FC(), []string{"0.1"}, WithDefaultVersion("0.2")), errdefs.KindInvalidArgument))
	require.Empty(t, r.Definitions())
}

func TestGetUnknownModel(t *testing.T) {
	r := NewRegistry(t.TempDir(), quietLogger())
	require.NoError(t, r.Register(FC(), []string{"0.1"}))

	_, err := r.Get("unknown", "")
	require.True(t, errdefs.Is(err, errdefs.KindNotFound))
	require.Contains(t, err.Error(), "can't be found")

	_, err = r.Get("fc", "9.9")
	require.True(t, errdefs.Is(err, errdefs.KindNotFound))
	require.Contains(t, err.Error(), "doesn't have version")

	_, err = r.Definition("unknown")
	require.True(t, errdefs.Is(err, errdefs.KindNotFound))
}

func TestDefinitions(t *testing.T) {
	r := NewRegistry(t.TempDir(), quietLogger())
	require.NoError(t, r.Register(Linear(), []string{"1", "2"}, WithName("MyLinear"), WithDefaultVersion("2")))
	require.NoError(t, r.Register(FC(), []string{"0.1"}))

	defs := r.Definitions()
	require.Len(t, defs, 2)
	require.Equal(t, "mylinear", defs[0].Name)
	require.Equal(t, "2", defs[0].DefaultVersion)
	require.Equal(t, []string{"1", "2"}, defs[0].Versions)
	require.Equal(t, "fc", defs[1].Name)
	require.NotEmpty(t, defs[1].Description)

	def, err := r.Definition("MYLINEAR")
	require.NoError(t, err)
	require.Equal(t, "mylinear", def.Name)
}

func TestGetCachesInstance(t *testing.T) {
	dir := t.TempDir()
	var builds int32
	f := NewFactory("counted", "counts builds", func(data []byte) (Model, error) {
		atomic.AddInt32(&builds, 1)
		return Linear().New(data)
	})
	require.NoError(t, WriteParameters(dir, "counted", "1", IdentityLayer(3)))

	r := NewRegistry(dir, quietLogger())
	require.NoError(t, r.Register(f, []string{"1"}))

	var wg sync.WaitGroup
	models := make([]Model, 8)
	for i := range models {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := r.Get("counted", "")
			assert.NoError(t, err)
			models[i] = m
		}(i)
	}
	wg.Wait()

	for _, m := range models {
		require.Same(t, models[0], m)
	}
	again, err := r.Get("Counted", "1")
	require.NoError(t, err)
	require.Same(t, models[0], again)
	require.EqualValues(t, 1, atomic.LoadInt32(&builds))
}

func TestMissingParametersFile(t *testing.T) {
	r := NewRegistry(t.TempDir(), quietLogger())
	require.NoError(t, r.Register(FC(), []string{"0.1"}))

	_, err := r.Get("fc", "")
	require.True(t, errdefs.Is(err, errdefs.KindInternal))
}

func TestSetDefaultDataDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteParameters(dir, "linear", "1", IdentityLayer(2)))

	r := NewRegistry(t.TempDir(), quietLogger())
	require.NoError(t, r.Register(Linear(), []string{"1"}))
	r.SetDefaultDataDir(dir)

	_, err := r.Get("linear", "1")
	require.NoError(t, err)

	other := NewRegistry(t.TempDir(), quietLogger())
	require.NoError(t, other.Register(Linear(), []string{"1"}, WithDataDir(dir)))
	_, err = other.Get("linear", "1")
	require.NoError(t, err)
}

func TestFCIdentitySquares(t *testing.T) {
	dir := t.TempDir()
	params := FCParameters{FC1: IdentityLayer(4), FC2: IdentityLayer(4), FC3: IdentityLayer(4)}
	require.NoError(t, WriteParameters(dir, "fc", "0.1", params))

	r := NewRegistry(dir, quietLogger())
	require.NoError(t, r.Register(FC(), []string{"0.1"}))
	m, err := r.Get("fc", "")
	require.NoError(t, err)

	x := []float64{0.5, -1, 1.2, 0.3}
	want := make([]float64, len(x))
	for i, v := range x {
		want[i] = math.Pow(v*v, 2)
	}
	requireClose(t, want, evaluate(t, m, x), 1e-3)

	// Two evaluations through the cached instance agree.
	requireClose(t, evaluate(t, m, x), evaluate(t, m, x), 1e-3)
}

func TestFCMatchesPlaintext(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	params := RandomFC(rng, 12, 8, 6, 3)
	m, err := FC().New(mustJSON(t, params))
	require.NoError(t, err)

	x := make([]float64, 12)
	for i := range x {
		x[i] = rng.Float64()
	}

	h := plainLayer(x, params.FC1)
	h = square(h)
	h = plainLayer(h, params.FC2)
	h = square(h)
	want := plainLayer(h, params.FC3)

	requireClose(t, want, evaluate(t, m, x), 1e-2)
}

func TestConvMatchesPlaintext(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	params := RandomConv(rng, 4, 3, 2, 5, 2)
	m, err := Conv().New(mustJSON(t, params))
	require.NoError(t, err)

	x := make([]float64, 4*3)
	for i := range x {
		x[i] = rng.Float64()
	}

	conv := make([]float64, 2*3)
	for c, kernel := range params.Kernels {
		for w := 0; w < 3; w++ {
			conv[c*3+w] = params.ConvBias[c]
			for k, v := range kernel {
				conv[c*3+w] += v * x[k*3+w]
			}
		}
	}
	h := square(conv)
	h = square(plainLayer(h, params.FC1))
	want := plainLayer(h, params.FC2)

	requireClose(t, want, evaluate(t, m, x), 1e-2)
}

func TestSequentialPolynomial(t *testing.T) {
	params := SequentialParameters{Layers: []Layer{
		{Weights: IdentityLayer(3).Weights, Activation: Polynomial, Coefficients: []float64{0.5, 0.197, 0, -0.004}},
		{Weights: [][]float64{{1}, {1}, {1}}, Bias: []float64{-1}},
	}}
	m, err := Sequential().New(mustJSON(t, params))
	require.NoError(t, err)

	x := []float64{-1, 0.5, 2}
	sum := -1.0
	for _, v := range x {
		sum += 0.5 + 0.197*v - 0.004*v*v*v
	}
	requireClose(t, []float64{sum}, evaluate(t, m, x), 1e-3)
}

func TestNetworkValidation(t *testing.T) {
	_, err := NewNetwork()
	require.Error(t, err)
	_, err = NewNetwork(IdentityLayer(3), IdentityLayer(4))
	require.Error(t, err)
	_, err = NewNetwork(Layer{Weights: [][]float64{{1}}, Activation: "relu"})
	require.Error(t, err)
}

func TestPrepareInputChecksContext(t *testing.T) {
	m, err := FC().New(mustJSON(t, FCParameters{FC1: IdentityLayer(2), FC2: IdentityLayer(2), FC3: IdentityLayer(2)}))
	require.NoError(t, err)

	bare, err := he.NewContext(he.TestParameters, he.WithRelinearizationKey())
	require.NoError(t, err)
	ctxBlob, err := bare.MarshalPublic()
	require.NoError(t, err)
	v, err := bare.Encrypt([]float64{1, 2})
	require.NoError(t, err)
	vecBlob, err := v.MarshalBinary()
	require.NoError(t, err)

	_, err = m.PrepareInput(ctxBlob, vecBlob)
	require.True(t, errdefs.Is(err, errdefs.KindInvalidContext))

	_, err = m.PrepareInput([]byte("garbage"), vecBlob)
	require.True(t, errdefs.Is(err, errdefs.KindDeserialization))
}

func TestForwardDimensionMismatch(t *testing.T) {
	m, err := Linear().New(mustJSON(t, IdentityLayer(3)))
	require.NoError(t, err)

	ctx := testContext(t)
	v, err := ctx.Encrypt([]float64{1, 2})
	require.NoError(t, err)

	_, err = m.Forward(v)
	require.True(t, errdefs.Is(err, errdefs.KindEvaluation))
}
