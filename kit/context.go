package kit

import "context"

// Transports a patch run can be triggered from. Stored in the run log as
// the run source.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
	TransportCLI  = "cli"
	TransportLive = "live"
)

type (
	transportKey struct{}
	requestIDKey struct{}
)

// WithTransport tags ctx with the surface that triggered the work.
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey{}, t)
}

// GetTransport returns the transport set on ctx, TransportHTTP when unset.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey{}).(string); ok && v != "" {
		return v
	}
	return TransportHTTP
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns "" when no request ID was set.
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}
