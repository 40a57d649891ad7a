// Package training implements encrypted logistic-regression training: the
// server computes encrypted weight updates over a registered dataset, the
// client decrypts them and applies them between rounds.
package training

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/halilibrahimkanpak/eeval/errdefs"
	"github.com/halilibrahimkanpak/eeval/he"
	"github.com/halilibrahimkanpak/eeval/registry"
)

// SigmoidCoefficients approximate the logistic function on [-5, 5] by
// 0.5 + 0.197x - 0.004x^3.
var SigmoidCoefficients = []float64{0.5, 0.197, 0, -0.004}

// RoundDepth is the number of levels a round consumes on the weight update:
// the dot product, the sigmoid, the gradient product and the final scaling.
var RoundDepth = 3 + he.PolynomialDepth(SigmoidCoefficients)

// DatasetSource gives the trainer access to registered datasets and contexts.
type DatasetSource interface {
	GetDataset(id string) (*registry.Dataset, error)
	GetContext(id string) ([]byte, error)
}

// Trainer runs training rounds on the server side. It never decrypts.
type Trainer struct {
	source  DatasetSource
	workers int
	log     *logrus.Logger
}

// NewTrainer returns a trainer splitting each round over workers goroutines
// (GOMAXPROCS when workers <= 0).
func NewTrainer(source DatasetSource, workers int, logger *logrus.Logger) *Trainer {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Trainer{source: source, workers: workers, log: logger}
}

// partial holds the gradient sums of one worker.
type partial struct {
	dw, db *he.Vector
}

// TrainRound computes one gradient-descent step over the whole dataset:
// dw = -1/N * sum x*(sigmoid(x.w + b) - y) and db = -1/N * sum (sigmoid(x.w + b) - y).
// weights must be zero-padded, bias and labels replicated in every slot.
func (t *Trainer) TrainRound(ctx context.Context, weightsBlob, biasBlob []byte, datasetID string) (dwBlob, dbBlob []byte, err error) {
	const op = "training.TrainRound"
	start := time.Now()

	ds, err := t.source.GetDataset(datasetID)
	if err != nil {
		return nil, nil, err
	}
	if ds.BatchSize != 1 {
		return nil, nil, errdefs.InvalidArgument(op, "only datasets with a batch size of 1 can be trained on, got %d", ds.BatchSize)
	}
	if ds.Len() == 0 {
		return nil, nil, errdefs.InvalidArgument(op, "dataset `%s` is empty", datasetID)
	}

	ctxBlob, err := t.source.GetContext(ds.ContextID)
	if err != nil {
		return nil, nil, err
	}
	heCtx, err := he.UnmarshalContext(ctxBlob)
	if err != nil {
		return nil, nil, err
	}
	if err := heCtx.Require(he.Requirements{Relinearization: true, Rotations: true}); err != nil {
		return nil, nil, err
	}
	if heCtx.MaxLevel() < RoundDepth {
		return nil, nil, errdefs.InvalidContext(op, "the context supports %d multiplicative levels but training needs %d", heCtx.MaxLevel(), RoundDepth)
	}

	w, err := heCtx.UnmarshalVector(weightsBlob)
	if err != nil {
		return nil, nil, err
	}
	b, err := heCtx.UnmarshalVector(biasBlob)
	if err != nil {
		return nil, nil, err
	}

	base := he.NewEvaluator(heCtx)
	workers := min(t.workers, ds.Len())
	partials := make([]partial, workers)
	per := (ds.Len() + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for k := 0; k < workers; k++ {
		k := k
		lo, hi := k*per, min((k+1)*per, ds.Len())
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			eval := base.ShallowCopy()
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				gw, gb, err := gradient(eval, heCtx, ds, i, w, b)
				if err != nil {
					return err
				}
				if partials[k], err = accumulate(eval, partials[k], gw, gb); err != nil {
					return errdefs.Evaluation(op, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, errdefs.Wrap(errdefs.KindEvaluation, op, err)
	}

	var total partial
	for _, p := range partials {
		if p.dw == nil {
			continue
		}
		if total, err = accumulate(base, total, p.dw, p.db); err != nil {
			return nil, nil, errdefs.Evaluation(op, err)
		}
	}

	scale := -1 / float64(ds.Len())
	dw, err := base.MulConst(total.dw, scale)
	if err != nil {
		return nil, nil, errdefs.Evaluation(op, fmt.Errorf("error scaling weight update: %w", err))
	}
	db, err := base.MulConst(total.db, scale)
	if err != nil {
		return nil, nil, errdefs.Evaluation(op, fmt.Errorf("error scaling bias update: %w", err))
	}

	if dwBlob, err = dw.MarshalBinary(); err != nil {
		return nil, nil, errdefs.Internal(op, err)
	}
	if dbBlob, err = db.MarshalBinary(); err != nil {
		return nil, nil, errdefs.Internal(op, err)
	}

	t.log.WithFields(logrus.Fields{
		"dataset_id": datasetID,
		"examples":   ds.Len(),
		"workers":    workers,
		"elapsed":    time.Since(start),
	}).Info("training round done")
	return dwBlob, dbBlob, nil
}

// gradient returns x*err and err for example i, where
// err = sigmoid(sum(x*w) + b) - y.
func gradient(eval *he.Evaluator, heCtx *he.Context, ds *registry.Dataset, i int, w, b *he.Vector) (gw, gb *he.Vector, err error) {
	x, err := heCtx.UnmarshalVector(ds.X[i])
	if err != nil {
		return nil, nil, err
	}
	y, err := heCtx.UnmarshalVector(ds.Y[i])
	if err != nil {
		return nil, nil, err
	}

	z, err := eval.Dot(x, w)
	if err != nil {
		return nil, nil, fmt.Errorf("example %d: error in forward dot product: %w", i, err)
	}
	if z, err = eval.Add(z, b); err != nil {
		return nil, nil, fmt.Errorf("example %d: error adding bias: %w", i, err)
	}
	out, err := eval.Polynomial(z, SigmoidCoefficients)
	if err != nil {
		return nil, nil, fmt.Errorf("example %d: error in sigmoid: %w", i, err)
	}
	if gb, err = eval.Sub(out, y); err != nil {
		return nil, nil, fmt.Errorf("example %d: error computing the error term: %w", i, err)
	}
	if gw, err = eval.Mul(x, gb); err != nil {
		return nil, nil, fmt.Errorf("example %d: error computing the weight gradient: %w", i, err)
	}
	return gw, gb, nil
}

func accumulate(eval *he.Evaluator, acc partial, dw, db *he.Vector) (partial, error) {
	if acc.dw == nil {
		return partial{dw: dw, db: db}, nil
	}
	var err error
	if acc.dw, err = eval.Add(acc.dw, dw); err != nil {
		return acc, fmt.Errorf("error accumulating weight gradient: %w", err)
	}
	if acc.db, err = eval.Add(acc.db, db); err != nil {
		return acc, fmt.Errorf("error accumulating bias gradient: %w", err)
	}
	return acc, nil
}
