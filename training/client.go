package training

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/halilibrahimkanpak/eeval/errdefs"
	"github.com/halilibrahimkanpak/eeval/he"
	"github.com/halilibrahimkanpak/eeval/registry"
)

// RoundServer is the part of the service a training client talks to.
type RoundServer interface {
	RegisterContext(ctx context.Context, blob []byte) (string, error)
	RegisterDataset(ctx context.Context, req registry.DatasetRequest) (contextID, datasetID string, err error)
	TrainRound(ctx context.Context, weights, bias []byte, datasetID string) (dw, db []byte, err error)
}

// Config controls a training run.
type Config struct {
	Epochs int
	Logger *logrus.Logger
	// OnEpoch, if set, is called after each update is applied.
	OnEpoch func(epoch int, weights []float64, bias float64)
}

// TimingMetrics records where a training run spent its time.
type TimingMetrics struct {
	EncryptTime time.Duration
	UploadTime  time.Duration
	RoundTime   time.Duration
	DecryptTime time.Duration
}

// Result is the outcome of a training run.
type Result struct {
	Weights   []float64
	Bias      float64
	ContextID string
	DatasetID string
	Timing    TimingMetrics
}

// Train registers an encrypted copy of (x, y) with the server and runs
// cfg.Epochs rounds of encrypted gradient descent starting from weights and
// bias. heCtx must hold the secret key; only its public part is sent.
func Train(ctx context.Context, server RoundServer, heCtx *he.Context, x [][]float64, y []float64, weights []float64, bias float64, cfg Config) (*Result, error) {
	const op = "training.Train"

	if cfg.Epochs <= 0 {
		return nil, errdefs.InvalidArgument(op, "epochs must be positive, got %d", cfg.Epochs)
	}
	if len(x) == 0 || len(x) != len(y) {
		return nil, errdefs.InvalidArgument(op, "got %d examples and %d labels", len(x), len(y))
	}
	if !heCtx.IsPrivate() {
		return nil, errdefs.InvalidArgument(op, "training needs a context holding the secret key")
	}
	n := len(weights)
	if n == 0 || n > heCtx.Slots() {
		return nil, errdefs.InvalidArgument(op, "%d weights don't fit in %d slots", n, heCtx.Slots())
	}
	for i := range x {
		if len(x[i]) != n {
			return nil, errdefs.InvalidArgument(op, "example %d has %d features, want %d", i, len(x[i]), n)
		}
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}

	res := &Result{Weights: append([]float64(nil), weights...), Bias: bias}

	start := time.Now()
	req := registry.DatasetRequest{BatchSize: 1}
	for i := range x {
		xv, err := heCtx.Encrypt(x[i])
		if err != nil {
			return nil, err
		}
		yv, err := heCtx.EncryptReplicated(y[i])
		if err != nil {
			return nil, err
		}
		xb, err := xv.MarshalBinary()
		if err != nil {
			return nil, errdefs.Internal(op, err)
		}
		yb, err := yv.MarshalBinary()
		if err != nil {
			return nil, errdefs.Internal(op, err)
		}
		req.X = append(req.X, xb)
		req.Y = append(req.Y, yb)
	}
	ctxBlob, err := heCtx.MarshalPublic()
	if err != nil {
		return nil, errdefs.Internal(op, err)
	}
	res.Timing.EncryptTime = time.Since(start)

	start = time.Now()
	if req.ContextID, err = server.RegisterContext(ctx, ctxBlob); err != nil {
		return nil, fmt.Errorf("registering context: %w", err)
	}
	if res.ContextID, res.DatasetID, err = server.RegisterDataset(ctx, req); err != nil {
		return nil, fmt.Errorf("registering dataset: %w", err)
	}
	res.Timing.UploadTime = time.Since(start)

	log.WithFields(logrus.Fields{
		"context_id": res.ContextID,
		"dataset_id": res.DatasetID,
		"examples":   len(x),
	}).Info("dataset registered")

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		start = time.Now()
		wb, bb, err := encryptModel(heCtx, res.Weights, res.Bias)
		if err != nil {
			return nil, err
		}
		res.Timing.EncryptTime += time.Since(start)

		start = time.Now()
		dwBlob, dbBlob, err := server.TrainRound(ctx, wb, bb, res.DatasetID)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		res.Timing.RoundTime += time.Since(start)

		start = time.Now()
		dw, err := decryptUpdate(heCtx, dwBlob)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		db, err := decryptUpdate(heCtx, dbBlob)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		if len(dw) < n || len(db) < 1 {
			return nil, errdefs.Deserialization(op, fmt.Errorf("epoch %d: update has %d weights, want %d", epoch, len(dw), n))
		}
		for i := range res.Weights {
			res.Weights[i] += dw[i]
		}
		res.Bias += db[0]
		res.Timing.DecryptTime += time.Since(start)

		log.WithFields(logrus.Fields{"epoch": epoch, "weights": res.Weights, "bias": res.Bias}).Debug("epoch done")
		if cfg.OnEpoch != nil {
			cfg.OnEpoch(epoch, res.Weights, res.Bias)
		}
	}
	return res, nil
}

func encryptModel(heCtx *he.Context, weights []float64, bias float64) (wb, bb []byte, err error) {
	w, err := heCtx.Encrypt(weights)
	if err != nil {
		return nil, nil, err
	}
	b, err := heCtx.EncryptReplicated(bias)
	if err != nil {
		return nil, nil, err
	}
	if wb, err = w.MarshalBinary(); err != nil {
		return nil, nil, errdefs.Internal("training.Train", err)
	}
	if bb, err = b.MarshalBinary(); err != nil {
		return nil, nil, errdefs.Internal("training.Train", err)
	}
	return wb, bb, nil
}

func decryptUpdate(heCtx *he.Context, blob []byte) ([]float64, error) {
	v, err := heCtx.UnmarshalVector(blob)
	if err != nil {
		return nil, err
	}
	return heCtx.Decrypt(v)
}
