package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/halilibrahimkanpak/eeval/errdefs"
	"github.com/halilibrahimkanpak/eeval/models"
	"github.com/halilibrahimkanpak/eeval/registry"
)

// Client talks to an evaluation server.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to target. maxMessageSize <= 0 selects DefaultMaxMessageSize.
// Extra options are appended after the defaults.
func Dial(target string, maxMessageSize int, opts ...grpc.DialOption) (*Client, error) {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, errdefs.Connectivity("transport.Dial", err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
	return fromStatus("transport."+method, err)
}

// Ping reports whether the server answers and serves the evaluation service.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fromStatus("transport.Ping", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errdefs.New(errdefs.KindConnectivity, "transport.Ping", "server status is %s", resp.GetStatus())
	}
	return nil
}

// ListModels returns the models served by the server.
func (c *Client) ListModels(ctx context.Context) ([]models.Definition, error) {
	var resp ListModelsResponse
	if err := c.invoke(ctx, "ListModels", &ListModelsRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// DescribeModel returns the definition of the named model.
func (c *Client) DescribeModel(ctx context.Context, name string) (models.Definition, error) {
	var resp DescribeModelResponse
	if err := c.invoke(ctx, "DescribeModel", &DescribeModelRequest{Name: name}, &resp); err != nil {
		return models.Definition{}, err
	}
	return resp.Model, nil
}

// Evaluate sends a serialized context and input vector and returns the
// serialized encrypted output. An empty version selects the default one.
func (c *Client) Evaluate(ctx context.Context, model, version string, contextBlob, input []byte) ([]byte, error) {
	var resp EvaluateResponse
	req := &EvaluateRequest{Model: model, Version: version, Context: contextBlob, Input: input}
	if err := c.invoke(ctx, "Evaluate", req, &resp); err != nil {
		return nil, err
	}
	return resp.Output, nil
}

// RegisterContext uploads a serialized context and returns its id.
func (c *Client) RegisterContext(ctx context.Context, blob []byte) (string, error) {
	var resp RegisterContextResponse
	if err := c.invoke(ctx, "RegisterContext", &RegisterContextRequest{Context: blob}, &resp); err != nil {
		return "", err
	}
	return resp.ContextID, nil
}

// GetContext downloads the context stored under id.
func (c *Client) GetContext(ctx context.Context, id string) ([]byte, error) {
	var resp GetContextResponse
	if err := c.invoke(ctx, "GetContext", &GetContextRequest{ContextID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Context, nil
}

// RegisterDataset uploads an encrypted dataset and returns the context and dataset ids.
func (c *Client) RegisterDataset(ctx context.Context, req registry.DatasetRequest) (string, string, error) {
	var resp RegisterDatasetResponse
	in := &RegisterDatasetRequest{
		ContextID: req.ContextID,
		Context:   req.Context,
		X:         req.X,
		Y:         req.Y,
		BatchSize: req.BatchSize,
	}
	if err := c.invoke(ctx, "RegisterDataset", in, &resp); err != nil {
		return "", "", err
	}
	return resp.ContextID, resp.DatasetID, nil
}

// GetDataset downloads the dataset stored under id.
func (c *Client) GetDataset(ctx context.Context, id string) (*registry.Dataset, error) {
	var resp GetDatasetResponse
	if err := c.invoke(ctx, "GetDataset", &GetDatasetRequest{DatasetID: id}, &resp); err != nil {
		return nil, err
	}
	return &registry.Dataset{
		ID:        id,
		ContextID: resp.ContextID,
		X:         resp.X,
		Y:         resp.Y,
		BatchSize: resp.BatchSize,
	}, nil
}

// TrainRound asks the server for the encrypted weight and bias updates of one round.
func (c *Client) TrainRound(ctx context.Context, weights, bias []byte, datasetID string) ([]byte, []byte, error) {
	var resp TrainRoundResponse
	req := &TrainRoundRequest{Weights: weights, Bias: bias, DatasetID: datasetID}
	if err := c.invoke(ctx, "TrainRound", req, &resp); err != nil {
		return nil, nil, err
	}
	return resp.WeightsUpdate, resp.BiasUpdate, nil
}
