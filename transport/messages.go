package transport

import "github.com/halilibrahimkanpak/eeval/models"

type ListModelsRequest struct{}

type ListModelsResponse struct {
	Models []models.Definition `json:"models"`
}

type DescribeModelRequest struct {
	Name string `json:"name"`
}

type DescribeModelResponse struct {
	Model models.Definition `json:"model"`
}

type EvaluateRequest struct {
	Model   string `json:"model"`
	Version string `json:"version,omitempty"`
	Context []byte `json:"context"`
	Input   []byte `json:"input"`
}

type EvaluateResponse struct {
	Output []byte `json:"output"`
}

type RegisterContextRequest struct {
	Context []byte `json:"context"`
}

type RegisterContextResponse struct {
	ContextID string `json:"context_id"`
}

type GetContextRequest struct {
	ContextID string `json:"context_id"`
}

type GetContextResponse struct {
	Context []byte `json:"context"`
}

type RegisterDatasetRequest struct {
	ContextID string   `json:"context_id,omitempty"`
	Context   []byte   `json:"context,omitempty"`
	X         [][]byte `json:"x"`
	Y         [][]byte `json:"y"`
	BatchSize int      `json:"batch_size"`
}

type RegisterDatasetResponse struct {
	ContextID string `json:"context_id"`
	DatasetID string `json:"dataset_id"`
}

type GetDatasetRequest struct {
	DatasetID string `json:"dataset_id"`
}

type GetDatasetResponse struct {
	ContextID string   `json:"context_id"`
	X         [][]byte `json:"x"`
	Y         [][]byte `json:"y"`
	BatchSize int      `json:"batch_size"`
}

type TrainRoundRequest struct {
	Weights   []byte `json:"weights"`
	Bias      []byte `json:"bias"`
	DatasetID string `json:"dataset_id"`
}

type TrainRoundResponse struct {
	WeightsUpdate []byte `json:"weights_update"`
	BiasUpdate    []byte `json:"bias_update"`
}
