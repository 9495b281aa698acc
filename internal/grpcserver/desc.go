package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName = "credits.v1.CreditService"

	methodGetBalance       = "/" + serviceName + "/GetBalance"
	methodGrant            = "/" + serviceName + "/Grant"
	methodConsume          = "/" + serviceName + "/Consume"
	methodListTransactions = "/" + serviceName + "/ListTransactions"
	methodExpireCredits    = "/" + serviceName + "/ExpireCredits"
)

// CreditServer is the server side of the credits gRPC API.
type CreditServer interface {
	GetBalance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error)
	Grant(ctx context.Context, request *GrantRequest) (*Empty, error)
	Consume(ctx context.Context, request *ConsumeRequest) (*ConsumeResponse, error)
	ListTransactions(ctx context.Context, request *ListTransactionsRequest) (*ListTransactionsResponse, error)
	ExpireCredits(ctx context.Context, request *ExpireCreditsRequest) (*ExpireCreditsResponse, error)
}

// ServiceDesc describes the credits service for grpc.Server. Messages travel
// as JSON, see CodecName.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CreditServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: unaryHandler(methodGetBalance, CreditServer.GetBalance)},
		{MethodName: "Grant", Handler: unaryHandler(methodGrant, CreditServer.Grant)},
		{MethodName: "Consume", Handler: unaryHandler(methodConsume, CreditServer.Consume)},
		{MethodName: "ListTransactions", Handler: unaryHandler(methodListTransactions, CreditServer.ListTransactions)},
		{MethodName: "ExpireCredits", Handler: unaryHandler(methodExpireCredits, CreditServer.ExpireCredits)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "credits/v1/credit.json",
}

// Register attaches server to registrar.
func Register(registrar grpc.ServiceRegistrar, server CreditServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

func unaryHandler[Request any, Response any](fullMethod string, call func(CreditServer, context.Context, *Request) (*Response, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(server.(CreditServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod}
		handler := func(ctx context.Context, incoming any) (any, error) {
			return call(server.(CreditServer), ctx, incoming.(*Request))
		}
		return interceptor(ctx, request, info, handler)
	}
}
