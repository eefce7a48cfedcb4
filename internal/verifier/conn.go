package verifier

import (
	"context"
	"errors"

	"github.com/ashureev/agentcaptcha/internal/protocol"
)

var (
	// ErrDisconnected is returned by Conn.Receive once the client is gone.
	ErrDisconnected = errors.New("client disconnected")
	// ErrMalformedFrame is returned by Conn.Receive for a frame that is not
	// a valid response.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrShutdown is the cancellation cause of sessions closed by the server.
	ErrShutdown = errors.New("server shutting down")
)

// Conn is one client connection as seen by the verifier.
//
// Receive blocks until the next client frame, the client disconnects, or
// ctx ends. When ctx ends first it returns ctx.Err() and the connection
// stays usable, so a REJECT can still be sent after a stage deadline.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
	Receive(ctx context.Context) (protocol.Response, error)
}
