package transport

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/halilibrahimkanpak/eeval/errdefs"
	"github.com/halilibrahimkanpak/eeval/he"
	"github.com/halilibrahimkanpak/eeval/models"
	"github.com/halilibrahimkanpak/eeval/registry"
	"github.com/halilibrahimkanpak/eeval/training"
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

var linearLayer = models.Layer{
	Weights: [][]float64{{1, 0.5, -1}, {2, 0, 0.25}},
	Bias:    []float64{0.1, -0.2, 0.3},
}

// startServer runs a server on an in-memory listener with the linear model
// registered as version 1.
func startServer(t *testing.T) *Client {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	dir := t.TempDir()
	require.NoError(t, models.WriteParameters(dir, "linear", "1", linearLayer))
	reg := models.NewRegistry(dir, logger)
	require.NoError(t, reg.Register(models.Linear(), []string{"1"}))

	store, err := registry.Open(registry.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := NewServer(reg, store, training.NewTrainer(store, 2, logger), ServerOptions{Logger: logger})
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet", 0, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPingAndModels(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))

	defs, err := client.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "linear", defs[0].Name)
	require.Equal(t, []string{"1"}, defs[0].Versions)

	def, err := client.DescribeModel(ctx, "linear")
	require.NoError(t, err)
	require.Equal(t, "1", def.DefaultVersion)
	require.NotEmpty(t, def.Description)

	_, err = client.DescribeModel(ctx, "resnet")
	require.True(t, errdefs.Is(err, errdefs.KindNotFound), "got %v", err)
	require.Contains(t, err.Error(), "resnet")
}

func TestEvaluate(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()
	heCtx := testContext(t)

	pub, err := heCtx.MarshalPublic()
	require.NoError(t, err)
	v, err := heCtx.Encrypt([]float64{0.5, -1})
	require.NoError(t, err)
	in, err := v.MarshalBinary()
	require.NoError(t, err)

	outBlob, err := client.Evaluate(ctx, "linear", "", pub, in)
	require.NoError(t, err)
	out, err := heCtx.UnmarshalVector(outBlob)
	require.NoError(t, err)
	got, err := heCtx.Decrypt(out)
	require.NoError(t, err)

	want := []float64{0.5 - 2 + 0.1, 0.25 - 0.2, -0.5 - 0.25 + 0.3}
	require.Len(t, got, len(want))
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-3, "index %d", i)
	}

	_, err = client.Evaluate(ctx, "linear", "2", pub, in)
	require.True(t, errdefs.Is(err, errdefs.KindNotFound), "got %v", err)

	_, err = client.Evaluate(ctx, "linear", "1", []byte("not a context"), in)
	require.True(t, errdefs.Is(err, errdefs.KindDeserialization), "got %v", err)
}

func TestRegistryCalls(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	id, err := client.RegisterContext(ctx, []byte("opaque context"))
	require.NoError(t, err)
	blob, err := client.GetContext(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("opaque context"), blob)

	_, err = client.GetContext(ctx, "missing")
	require.True(t, errdefs.Is(err, errdefs.KindNotFound), "got %v", err)

	_, err = client.RegisterContext(ctx, nil)
	require.True(t, errdefs.Is(err, errdefs.KindInvalidArgument), "got %v", err)

	ctxID, dsID, err := client.RegisterDataset(ctx, registry.DatasetRequest{
		Context:   []byte("inline context"),
		X:         [][]byte{[]byte("x0"), []byte("x1")},
		Y:         [][]byte{[]byte("y0"), []byte("y1")},
		BatchSize: 1,
	})
	require.NoError(t, err)
	blob, err = client.GetContext(ctx, ctxID)
	require.NoError(t, err)
	require.Equal(t, []byte("inline context"), blob)

	ds, err := client.GetDataset(ctx, dsID)
	require.NoError(t, err)
	require.Equal(t, ctxID, ds.ContextID)
	require.Equal(t, 2, ds.Len())
	require.Equal(t, []byte("y1"), ds.Y[1])

	_, _, err = client.RegisterDataset(ctx, registry.DatasetRequest{X: [][]byte{{1}}, Y: [][]byte{{2}}, BatchSize: 1})
	require.True(t, errdefs.Is(err, errdefs.KindInvalidArgument), "got %v", err)
}

func TestTrainOverGRPC(t *testing.T) {
	if testing.Short() {
		t.Skip("encrypted training is slow")
	}
	client := startServer(t)
	heCtx := testContext(t)

	rng := rand.New(rand.NewSource(7))
	x, y, _, _ := training.SeparableData(rng, 16, 2)

	res, err := training.Train(context.Background(), client, heCtx, x, y, []float64{-1, 1}, 0, training.Config{Epochs: 1})
	require.NoError(t, err)
	require.NotEmpty(t, res.DatasetID)
	require.Len(t, res.Weights, 2)

	w, b := training.PlainStep([]float64{-1, 1}, 0, x, y)
	require.InDelta(t, w[0], res.Weights[0], 1e-3)
	require.InDelta(t, w[1], res.Weights[1], 1e-3)
	require.InDelta(t, b, res.Bias, 1e-3)

	_, _, err = client.TrainRound(context.Background(), nil, nil, "missing")
	require.True(t, errdefs.Is(err, errdefs.KindNotFound), "got %v", err)
}

func TestUnreachableServer(t *testing.T) {
	lis := bufconn.Listen(1024)
	require.NoError(t, lis.Close())

	client, err := Dial("passthrough:///bufnet", 0, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = client.Ping(ctx)
	require.True(t, errdefs.Is(err, errdefs.KindConnectivity), "got %v", err)
}
