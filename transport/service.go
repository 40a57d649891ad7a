// Package transport exposes the evaluation, registry and training
// operations over gRPC, and provides the matching client.
package transport

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "eeval.Evaluation"

// EvaluationServer is the server API of the evaluation service.
type EvaluationServer interface {
	ListModels(context.Context, *ListModelsRequest) (*ListModelsResponse, error)
	DescribeModel(context.Context, *DescribeModelRequest) (*DescribeModelResponse, error)
	Evaluate(context.Context, *EvaluateRequest) (*EvaluateResponse, error)
	RegisterContext(context.Context, *RegisterContextRequest) (*RegisterContextResponse, error)
	GetContext(context.Context, *GetContextRequest) (*GetContextResponse, error)
	RegisterDataset(context.Context, *RegisterDatasetRequest) (*RegisterDatasetResponse, error)
	GetDataset(context.Context, *GetDatasetRequest) (*GetDatasetResponse, error)
	TrainRound(context.Context, *TrainRoundRequest) (*TrainRoundResponse, error)
}

func unaryHandler[Req, Resp any](method string, call func(EvaluationServer, context.Context, *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EvaluationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(EvaluationServer), ctx, req.(*Req))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvaluationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListModels", Handler: unaryHandler("ListModels", EvaluationServer.ListModels)},
		{MethodName: "DescribeModel", Handler: unaryHandler("DescribeModel", EvaluationServer.DescribeModel)},
		{MethodName: "Evaluate", Handler: unaryHandler("Evaluate", EvaluationServer.Evaluate)},
		{MethodName: "RegisterContext", Handler: unaryHandler("RegisterContext", EvaluationServer.RegisterContext)},
		{MethodName: "GetContext", Handler: unaryHandler("GetContext", EvaluationServer.GetContext)},
		{MethodName: "RegisterDataset", Handler: unaryHandler("RegisterDataset", EvaluationServer.RegisterDataset)},
		{MethodName: "GetDataset", Handler: unaryHandler("GetDataset", EvaluationServer.GetDataset)},
		{MethodName: "TrainRound", Handler: unaryHandler("TrainRound", EvaluationServer.TrainRound)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "eeval",
}
