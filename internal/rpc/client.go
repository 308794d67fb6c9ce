// Package rpc is the narrow JSON-RPC client layer the service managers
// use to query their own managed processes on localhost. The wire
// schemas are owned by the managed binaries; this package only moves
// typed request/response shapes.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/axondata/go-minestack/internal/process"
)

// DefaultCallTimeout bounds a single query round trip.
const DefaultCallTimeout = 5 * time.Second

// Client issues bounded-timeout JSON-RPC calls against one local port.
// Connections are dialed per call; the managed services treat each
// query as independent and there is no session state to keep.
type Client struct {
	// Port is the local TCP port of the managed service
	Port int

	// DialTimeout is the timeout for establishing the connection
	DialTimeout time.Duration

	// CallTimeout is the timeout for one request/response round trip
	CallTimeout time.Duration
}

// NewClient creates a Client for a local service port with default
// timeouts.
func NewClient(port int) *Client {
	return &Client{
		Port:        port,
		DialTimeout: 2 * time.Second,
		CallTimeout: DefaultCallTimeout,
	}
}

// noopHandler drops server-initiated requests; the managed services only
// answer, they never ask.
type noopHandler struct{}

func (noopHandler) Handle(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) {}

// Call issues one JSON-RPC request and decodes the response into result.
// Connection refusals and timeouts come back as process.ErrNotReady:
// they are expected during startup and shutdown windows and must not
// crash a polling caller.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	defer cancel()

	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", c.Port))
	dialer := &net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classify(method, err)
	}

	stream := jsonrpc2.NewBufferedStream(conn, jsonrpc2.VSCodeObjectCodec{})
	rpc := jsonrpc2.NewConn(ctx, stream, noopHandler{})
	defer func() { _ = rpc.Close() }()

	if err := rpc.Call(ctx, method, params, result); err != nil {
		return classify(method, err)
	}
	return nil
}

// classify converts transport-level failures into the typed not-ready
// condition; anything else is a real error.
func classify(method string, err error) error {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, jsonrpc2.ErrClosed):
		return fmt.Errorf("%w: %s: %v", process.ErrNotReady, method, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", process.ErrNotReady, method, err)
	}
	return fmt.Errorf("rpc %s: %w", method, err)
}
