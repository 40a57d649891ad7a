package training

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/halilibrahimkanpak/eeval/errdefs"
	"github.com/halilibrahimkanpak/eeval/he"
	"github.com/halilibrahimkanpak/eeval/registry"
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

func newLocal(t *testing.T) *Local {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	store, err := registry.Open(registry.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &Local{Store: store, Trainer: NewTrainer(store, 4, logger)}
}

func approxSigmoid(z float64) float64 {
	return SigmoidCoefficients[0] + SigmoidCoefficients[1]*z + SigmoidCoefficients[3]*z*z*z
}

func registerDataset(t *testing.T, l *Local, heCtx *he.Context, x [][]float64, y []float64, batchSize int) string {
	t.Helper()
	req := registry.DatasetRequest{BatchSize: batchSize}
	for i := range x {
		xv, err := heCtx.Encrypt(x[i])
		require.NoError(t, err)
		yv, err := heCtx.EncryptReplicated(y[i])
		require.NoError(t, err)
		xb, err := xv.MarshalBinary()
		require.NoError(t, err)
		yb, err := yv.MarshalBinary()
		require.NoError(t, err)
		req.X = append(req.X, xb)
		req.Y = append(req.Y, yb)
	}
	ctxBlob, err := heCtx.MarshalPublic()
	require.NoError(t, err)
	req.Context = ctxBlob
	_, dsID, err := l.Store.RegisterDataset(req)
	require.NoError(t, err)
	return dsID
}

func TestTrainRoundMatchesPlaintext(t *testing.T) {
	heCtx := testContext(t)
	l := newLocal(t)

	x := [][]float64{{0.5, -1, 2}, {1, 1, 0}, {-0.5, 0.25, 1}, {2, -2, 0.5}, {0, 0.5, -1}}
	y := []float64{1, 0, 1, 1, 0}
	w := []float64{0.3, -0.2, 0.1}
	b := 0.05
	dsID := registerDataset(t, l, heCtx, x, y, 1)

	wb, bb, err := encryptModel(heCtx, w, b)
	require.NoError(t, err)
	dwBlob, dbBlob, err := l.TrainRound(context.Background(), wb, bb, dsID)
	require.NoError(t, err)

	dw, err := decryptUpdate(heCtx, dwBlob)
	require.NoError(t, err)
	db, err := decryptUpdate(heCtx, dbBlob)
	require.NoError(t, err)

	wantW := make([]float64, len(w))
	wantB := 0.0
	for i := range x {
		z := b
		for j := range w {
			z += w[j] * x[i][j]
		}
		e := approxSigmoid(z) - y[i]
		for j := range w {
			wantW[j] -= x[i][j] * e / float64(len(x))
		}
		wantB -= e / float64(len(x))
	}

	require.Len(t, dw, len(w))
	for j := range w {
		require.InDelta(t, wantW[j], dw[j], 1e-3, "dw[%d]", j)
	}
	require.Len(t, db, 1)
	require.InDelta(t, wantB, db[0], 1e-3)
}

func TestTrainRoundRejections(t *testing.T) {
	heCtx := testContext(t)
	l := newLocal(t)
	ctx := context.Background()

	wb, bb, err := encryptModel(heCtx, []float64{1, 1}, 0)
	require.NoError(t, err)

	_, _, err = l.TrainRound(ctx, wb, bb, "missing")
	require.True(t, errdefs.Is(err, errdefs.KindNotFound))

	batched := registerDataset(t, l, heCtx, [][]float64{{1, 2}}, []float64{1}, 2)
	_, _, err = l.TrainRound(ctx, wb, bb, batched)
	require.True(t, errdefs.Is(err, errdefs.KindInvalidArgument))

	// A dataset pointing at an unknown context fails when the round loads it.
	_, orphan, err := l.Store.RegisterDataset(registry.DatasetRequest{ContextID: "gone", X: [][]byte{{1}}, Y: [][]byte{{1}}, BatchSize: 1})
	require.NoError(t, err)
	_, _, err = l.TrainRound(ctx, wb, bb, orphan)
	require.True(t, errdefs.Is(err, errdefs.KindNotFound))

	good := registerDataset(t, l, heCtx, [][]float64{{1, 2}}, []float64{1}, 1)
	_, _, err = l.TrainRound(ctx, []byte("junk"), bb, good)
	require.True(t, errdefs.Is(err, errdefs.KindDeserialization))
}

func TestTrainRoundNeedsKeys(t *testing.T) {
	bare, err := he.NewContext(he.TestParameters, he.WithRelinearizationKey())
	require.NoError(t, err)
	l := newLocal(t)

	dsID := registerDataset(t, l, bare, [][]float64{{1, 2}}, []float64{1}, 1)
	wb, bb, err := encryptModel(bare, []float64{1, 1}, 0)
	require.NoError(t, err)

	_, _, err = l.TrainRound(context.Background(), wb, bb, dsID)
	require.True(t, errdefs.Is(err, errdefs.KindInvalidContext))
}

func TestTrainValidation(t *testing.T) {
	heCtx := testContext(t)
	l := newLocal(t)
	ctx := context.Background()
	x := [][]float64{{1, 2}}
	y := []float64{1}

	_, err := Train(ctx, l, heCtx, x, y, []float64{0, 0}, 0, Config{Epochs: 0})
	require.True(t, errdefs.Is(err, errdefs.KindInvalidArgument))

	_, err = Train(ctx, l, heCtx, x, []float64{1, 0}, []float64{0, 0}, 0, Config{Epochs: 1})
	require.True(t, errdefs.Is(err, errdefs.KindInvalidArgument))

	_, err = Train(ctx, l, heCtx.Public(), x, y, []float64{0, 0}, 0, Config{Epochs: 1})
	require.True(t, errdefs.Is(err, errdefs.KindInvalidArgument))

	_, err = Train(ctx, l, heCtx, x, y, []float64{0, 0, 0}, 0, Config{Epochs: 1})
	require.True(t, errdefs.Is(err, errdefs.KindInvalidArgument))
}

func TestTrainImprovesAccuracy(t *testing.T) {
	if testing.Short() {
		t.Skip("encrypted training over 128 examples is slow")
	}
	heCtx := testContext(t)
	l := newLocal(t)

	rng := rand.New(rand.NewSource(73))
	xTrain, yTrain, xTest, yTest := SeparableData(rng, 128, 2)

	// Start from the inverse of the separating direction.
	weights := []float64{-1, 1}
	bias := 0.0
	before := Accuracy(weights, bias, xTest, yTest)

	epochs := 0
	res, err := Train(context.Background(), l, heCtx, xTrain, yTrain, weights, bias, Config{
		Epochs:  5,
		OnEpoch: func(int, []float64, float64) { epochs++ },
	})
	require.NoError(t, err)
	require.Equal(t, 5, epochs)
	require.NotEmpty(t, res.DatasetID)

	after := Accuracy(res.Weights, res.Bias, xTest, yTest)
	t.Logf("accuracy before %.3f after %.3f, weights %v bias %.3f", before, after, res.Weights, res.Bias)
	require.Greater(t, after, before)
	// The caller's slice is left untouched.
	require.Equal(t, []float64{-1, 1}, weights)
}

func TestAccuracy(t *testing.T) {
	x := [][]float64{{1, 0}, {0, 1}}
	y := []float64{1, 0}
	require.Equal(t, 1.0, Accuracy([]float64{1, -1}, 0, x, y))
	require.Equal(t, 0.0, Accuracy([]float64{-1, 1}, 0, x, y))
	require.Equal(t, 0.0, Accuracy(nil, 0, nil, nil))
}

func TestPlainStep(t *testing.T) {
	require.InDelta(t, 0.5, ApproxSigmoid(0), 1e-12)
	require.InDelta(t, approxSigmoid(1.7), ApproxSigmoid(1.7), 1e-12)

	// One example at the origin only moves the bias.
	w, b := PlainStep([]float64{0.3, -0.2}, 0, [][]float64{{0, 0}}, []float64{1})
	require.Equal(t, []float64{0.3, -0.2}, w)
	require.InDelta(t, 0.5, b, 1e-12)

	w, b = PlainStep([]float64{0, 0}, 0, [][]float64{{2, 0}, {0, 2}}, []float64{1, 0})
	require.InDeltaSlice(t, []float64{0.5, -0.5}, w, 1e-12)
	require.InDelta(t, 0, b, 1e-12)
}
