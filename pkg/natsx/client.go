package natsx

import (
	"os"

	"github.com/nats-io/nats.go"
)

// NewClient connects to the NATS server at url, falling back to the NATS_URL
// environment variable and then nats.DefaultURL. Without explicit options the
// connection is named "slipstream", compressed, and reconnects forever.
func NewClient(url string, opts ...nats.Option) (*nats.Conn, error) {
	if url == "" {
		url = os.Getenv("NATS_URL")
	}
	if url == "" {
		url = nats.DefaultURL
	}
	if len(opts) == 0 {
		opts = append(opts,
			nats.Name("slipstream"),
			nats.Compression(true),
			nats.MaxReconnects(-1),
		)
	}
	return nats.Connect(url, opts...)
}
