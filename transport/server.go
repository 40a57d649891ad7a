package transport

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/halilibrahimkanpak/eeval/errdefs"
	"github.com/halilibrahimkanpak/eeval/models"
	"github.com/halilibrahimkanpak/eeval/registry"
	"github.com/halilibrahimkanpak/eeval/training"
)

// DefaultMaxMessageSize fits contexts carrying a full set of rotation keys.
const DefaultMaxMessageSize = 1 << 30

// ServerOptions configures a Server.
type ServerOptions struct {
	MaxMessageSize int
	Logger         *logrus.Logger
}

// Server serves the evaluation service and the standard health service.
type Server struct {
	models  *models.Registry
	store   *registry.Store
	trainer *training.Trainer
	log     *logrus.Logger

	grpc   *grpc.Server
	health *health.Server
}

// NewServer wires the registries and the trainer into a gRPC server.
func NewServer(modelRegistry *models.Registry, store *registry.Store, trainer *training.Trainer, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}

	s := &Server{
		models:  modelRegistry,
		store:   store,
		trainer: trainer,
		log:     opts.Logger,
		health:  health.NewServer(),
	}
	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(opts.MaxMessageSize),
		grpc.MaxSendMsgSize(opts.MaxMessageSize),
		grpc.ChainUnaryInterceptor(s.logRequests),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.WithFields(logrus.Fields{"addr": lis.Addr().String()}).Info("serving")
	return s.grpc.Serve(lis)
}

// Stop marks the service as not serving and waits for pending requests.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// logRequests logs every call with its duration and converts domain errors
// to gRPC statuses.
func (s *Server) logRequests(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := logrus.Fields{
		"method":  info.FullMethod,
		"elapsed": time.Since(start),
	}
	if err != nil {
		fields["kind"] = errdefs.KindOf(err)
		s.log.WithFields(fields).WithError(err).Warn("request failed")
		return nil, toStatus(err)
	}
	s.log.WithFields(fields).Debug("request served")
	return resp, nil
}

// ListModels returns every registered model definition.
func (s *Server) ListModels(_ context.Context, _ *ListModelsRequest) (*ListModelsResponse, error) {
	return &ListModelsResponse{Models: s.models.Definitions()}, nil
}

// DescribeModel returns the definition of one model.
func (s *Server) DescribeModel(_ context.Context, req *DescribeModelRequest) (*DescribeModelResponse, error) {
	def, err := s.models.Definition(req.Name)
	if err != nil {
		return nil, err
	}
	return &DescribeModelResponse{Model: def}, nil
}

// Evaluate runs a model on an encrypted input. The context and the input
// come from the request; nothing is kept after the call.
func (s *Server) Evaluate(_ context.Context, req *EvaluateRequest) (*EvaluateResponse, error) {
	m, err := s.models.Get(req.Model, req.Version)
	if err != nil {
		return nil, err
	}
	in, err := m.PrepareInput(req.Context, req.Input)
	if err != nil {
		return nil, err
	}
	out, err := m.Forward(in)
	if err != nil {
		return nil, err
	}
	data, err := out.MarshalBinary()
	if err != nil {
		return nil, errdefs.Internal("transport.Evaluate", err)
	}
	return &EvaluateResponse{Output: data}, nil
}

// RegisterContext stores a serialized context and returns its id.
func (s *Server) RegisterContext(_ context.Context, req *RegisterContextRequest) (*RegisterContextResponse, error) {
	if len(req.Context) == 0 {
		return nil, errdefs.InvalidArgument("transport.RegisterContext", "a context is required")
	}
	id, err := s.store.RegisterContext(req.Context)
	if err != nil {
		return nil, err
	}
	return &RegisterContextResponse{ContextID: id}, nil
}

// GetContext returns the context stored under an id.
func (s *Server) GetContext(_ context.Context, req *GetContextRequest) (*GetContextResponse, error) {
	blob, err := s.store.GetContext(req.ContextID)
	if err != nil {
		return nil, err
	}
	return &GetContextResponse{Context: blob}, nil
}

// RegisterDataset stores an encrypted dataset, registering its context if one is sent.
func (s *Server) RegisterDataset(_ context.Context, req *RegisterDatasetRequest) (*RegisterDatasetResponse, error) {
	ctxID, dsID, err := s.store.RegisterDataset(registry.DatasetRequest{
		ContextID: req.ContextID,
		Context:   req.Context,
		X:         req.X,
		Y:         req.Y,
		BatchSize: req.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	return &RegisterDatasetResponse{ContextID: ctxID, DatasetID: dsID}, nil
}

// GetDataset returns a stored dataset.
func (s *Server) GetDataset(_ context.Context, req *GetDatasetRequest) (*GetDatasetResponse, error) {
	ds, err := s.store.GetDataset(req.DatasetID)
	if err != nil {
		return nil, err
	}
	return &GetDatasetResponse{ContextID: ds.ContextID, X: ds.X, Y: ds.Y, BatchSize: ds.BatchSize}, nil
}

// TrainRound runs one encrypted gradient step over a stored dataset.
func (s *Server) TrainRound(ctx context.Context, req *TrainRoundRequest) (*TrainRoundResponse, error) {
	dw, db, err := s.trainer.TrainRound(ctx, req.Weights, req.Bias, req.DatasetID)
	if err != nil {
		return nil, err
	}
	return &TrainRoundResponse{WeightsUpdate: dw, BiasUpdate: db}, nil
}
