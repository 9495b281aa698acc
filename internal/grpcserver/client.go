package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls the credits service over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) GetBalance(ctx context.Context, request *BalanceRequest, options ...grpc.CallOption) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, client.conn, methodGetBalance, request, options)
}

func (client *Client) Grant(ctx context.Context, request *GrantRequest, options ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, client.conn, methodGrant, request, options)
}

func (client *Client) Consume(ctx context.Context, request *ConsumeRequest, options ...grpc.CallOption) (*ConsumeResponse, error) {
	return invoke[ConsumeResponse](ctx, client.conn, methodConsume, request, options)
}

func (client *Client) ListTransactions(ctx context.Context, request *ListTransactionsRequest, options ...grpc.CallOption) (*ListTransactionsResponse, error) {
	return invoke[ListTransactionsResponse](ctx, client.conn, methodListTransactions, request, options)
}

func (client *Client) ExpireCredits(ctx context.Context, request *ExpireCreditsRequest, options ...grpc.CallOption) (*ExpireCreditsResponse, error) {
	return invoke[ExpireCreditsResponse](ctx, client.conn, methodExpireCredits, request, options)
}

func invoke[Response any](ctx context.Context, conn grpc.ClientConnInterface, method string, request any, options []grpc.CallOption) (*Response, error) {
	response := new(Response)
	callOptions := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, options...)
	if err := conn.Invoke(ctx, method, request, response, callOptions...); err != nil {
		return nil, err
	}
	return response, nil
}
