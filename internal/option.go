package internal

import (
	"io"

	"github.com/starford/voicenotes/internal/gateway"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config  *Config
	gateway gateway.Gateway
	stdin   io.Reader
	stdout  io.Writer
	logOut  io.Writer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithGateway replaces the gateway that would be built from the store
// configuration.
func WithGateway(gw gateway.Gateway) Option {
	return func(a *application) {
		a.gateway = gw
	}
}

// WithStdio sets the streams used by the stdio transport.
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(a *application) {
		a.stdin = in
		a.stdout = out
	}
}

// WithLogOutput sets where structured logs are written. Defaults to stderr.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOut = w
	}
}
