// Package client is the Arrow Flight client for the windage prediction
// service, with a circuit breaker guarding the connection.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-windage/internal/posterior"
	"github.com/23skdu/longbow-windage/internal/wire"
)

// ErrCircuitOpen is returned when the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("client: circuit open")

// Client speaks the windage Flight protocol: one DoExchange round trip per
// prediction, request and result as one-row records.
type Client struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
	mem     memory.Allocator
}

// New connects to a windage Flight server at the given address.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &Client{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(5, defaultCooldown),
		mem:     memory.DefaultAllocator,
	}, nil
}

// Predict runs one posterior computation on the server.
func (c *Client) Predict(ctx context.Context, req *posterior.Request) (*posterior.Result, error) {
	if !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	res, err := c.exchange(ctx, req)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	c.breaker.Success()
	return res, nil
}

func (c *Client) exchange(ctx context.Context, req *posterior.Request) (*posterior.Result, error) {
	rec, err := wire.EncodeRequest(c.mem, req)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"predict"},
	})
	if err := writer.Write(rec); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("client: empty response stream")
	}
	return wire.DecodeResult(reader.Record())
}

// Breaker exposes the circuit breaker, mostly for health reporting.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
