// Package listener accepts raw log records on configured input endpoints.
package listener

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/usrlog/journal-relay/internal/config"
	"github.com/usrlog/journal-relay/internal/metrics"
	"github.com/usrlog/journal-relay/internal/model"
)

// Handler consumes one framed raw record from a connection. Calls for the
// same connection are made in arrival order; the handler may suspend (e.g.
// on queue backpressure), which throttles only that connection.
type Handler func(ctx context.Context, conn *model.ConnContext, raw []byte)

// Listener accepts connections or datagrams on one endpoint and produces a
// sequence of raw byte chunks per connection, framed per the endpoint's
// transport rules. The sequence is lazy and effectively infinite while the
// connection is open.
type Listener interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context, handle Handler) error

	// Name returns the endpoint name.
	Name() string
}

// StreamFactory creates a stream listener (tcp, unix).
type StreamFactory func(network, address string) (net.Listener, error)

// PacketFactory creates a packet connection (udp, unixgram).
type PacketFactory func(network, address string) (net.PacketConn, error)

// Option configures a listener, mainly to inject fakes in tests.
type Option func(*options)

type options struct {
	streamFactory StreamFactory
	packetFactory PacketFactory
}

// WithStreamFactory sets a custom stream listener factory.
func WithStreamFactory(f StreamFactory) Option {
	return func(o *options) {
		o.streamFactory = f
	}
}

// WithPacketFactory sets a custom packet connection factory.
func WithPacketFactory(f PacketFactory) Option {
	return func(o *options) {
		o.packetFactory = f
	}
}

// New creates a listener for the endpoint, reporting drops into m.
func New(cfg config.Endpoint, m *metrics.Registry, log *logrus.Entry, opts ...Option) (Listener, error) {
	o := &options{
		streamFactory: defaultStreamFactory,
		packetFactory: defaultPacketFactory,
	}
	for _, opt := range opts {
		opt(o)
	}

	elog := log.WithField("component", "listener").WithField("endpoint", cfg.Name)

	switch cfg.Transport {
	case config.TransportTCP, config.TransportUnix:
		return &streamListener{cfg: cfg, factory: o.streamFactory, metrics: m, log: elog}, nil
	case config.TransportUDP, config.TransportUnixgram:
		return &datagramListener{cfg: cfg, factory: o.packetFactory, log: elog}, nil
	default:
		return nil, fmt.Errorf("endpoint %q: unsupported transport %q", cfg.Name, cfg.Transport)
	}
}

func defaultStreamFactory(network, address string) (net.Listener, error) {
	if network == "unix" {
		removeStaleSocket(address)
	}
	return net.Listen(network, address)
}

func defaultPacketFactory(network, address string) (net.PacketConn, error) {
	if network == "unixgram" {
		removeStaleSocket(address)
	}
	return net.ListenPacket(network, address)
}

// removeStaleSocket unlinks a leftover socket file from a previous run.
func removeStaleSocket(path string) {
	if info, err := os.Stat(path); err == nil && info.Mode()&os.ModeSocket != 0 {
		os.Remove(path)
	}
}
