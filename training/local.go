package training

import (
	"context"

	"github.com/halilibrahimkanpak/eeval/registry"
)

// Local serves training rounds in-process, without a network hop.
type Local struct {
	Store   *registry.Store
	Trainer *Trainer
}

// RegisterContext stores the context in the local registry.
func (l *Local) RegisterContext(_ context.Context, blob []byte) (string, error) {
	return l.Store.RegisterContext(blob)
}

// RegisterDataset stores the dataset in the local registry.
func (l *Local) RegisterDataset(_ context.Context, req registry.DatasetRequest) (string, string, error) {
	return l.Store.RegisterDataset(req)
}

// TrainRound runs the round on the local trainer.
func (l *Local) TrainRound(ctx context.Context, weights, bias []byte, datasetID string) ([]byte, []byte, error) {
	return l.Trainer.TrainRound(ctx, weights, bias, datasetID)
}
