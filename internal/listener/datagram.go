package listener

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/usrlog/journal-relay/internal/config"
	"github.com/usrlog/journal-relay/internal/model"
)

// maxDatagramSize is the largest accepted datagram (max UDP payload).
const maxDatagramSize = 65535

// datagramListener receives udp or unixgram datagrams, one record per
// datagram. The socket is one logical connection: a single read loop
// preserves arrival order.
type datagramListener struct {
	cfg     config.Endpoint
	factory PacketFactory
	log     *logrus.Entry
}

// Name returns the endpoint name.
func (d *datagramListener) Name() string {
	return d.cfg.Name
}

// Run reads datagrams until ctx is cancelled.
func (d *datagramListener) Run(ctx context.Context, handle Handler) error {
	conn, err := d.factory(d.cfg.Transport, d.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", d.cfg.Transport, d.cfg.Address, err)
	}
	defer conn.Close()
	if d.cfg.Transport == config.TransportUnixgram {
		defer os.Remove(d.cfg.Address)
	}

	// Unblock ReadFrom on shutdown.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	d.log.Infof("listening on %s %s", d.cfg.Transport, d.cfg.Address)

	cc := &model.ConnContext{
		Endpoint: d.cfg.Name,
		Remote:   d.cfg.Address,
	}

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				d.log.Debugf("read error: %v", err)
				continue
			}
		}
		if n == 0 {
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		handle(ctx, cc, raw)
	}
}
