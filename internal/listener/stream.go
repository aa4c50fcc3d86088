package listener

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/usrlog/journal-relay/internal/config"
	"github.com/usrlog/journal-relay/internal/metrics"
	"github.com/usrlog/journal-relay/internal/model"
)

const (
	// readBufferSize is the per-connection read buffer.
	readBufferSize = 64 * 1024
	// maxRecordSize bounds a single newline-delimited record. Longer lines
	// are discarded (counted) and the connection keeps going.
	maxRecordSize = 1024 * 1024
)

// streamListener accepts tcp or unix stream connections and frames records
// newline-delimited. Concurrent connections are independent; ordering is
// guaranteed only within one connection.
type streamListener struct {
	cfg     config.Endpoint
	factory StreamFactory
	metrics *metrics.Registry
	log     *logrus.Entry
}

// Name returns the endpoint name.
func (s *streamListener) Name() string {
	return s.cfg.Name
}

// Run accepts connections until ctx is cancelled.
func (s *streamListener) Run(ctx context.Context, handle Handler) error {
	ln, err := s.factory(s.cfg.Transport, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", s.cfg.Transport, s.cfg.Address, err)
	}
	defer ln.Close()
	if s.cfg.Transport == config.TransportUnix {
		defer os.Remove(s.cfg.Address)
	}

	// Unblock Accept on shutdown.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Infof("listening on %s %s", s.cfg.Transport, s.cfg.Address)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.log.Debugf("accept error: %v", err)
				continue
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn, handle)
		}()
	}
}

// handleConn reads newline-delimited records from one connection. A record
// exceeding maxRecordSize is skipped in place: its bytes are consumed and
// discarded, the drop is counted, and the connection stays open so records
// pipelined behind it are not lost.
func (s *streamListener) handleConn(ctx context.Context, conn net.Conn, handle Handler) {
	defer conn.Close()

	// Unblock a pending read on shutdown.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	cc := &model.ConnContext{
		Endpoint: s.cfg.Name,
		Remote:   remoteName(conn),
	}
	s.log.Debugf("connection opened: remote=%s", cc.Remote)

	reader := bufio.NewReaderSize(conn, readBufferSize)
	var (
		record   []byte
		oversize bool
	)
	for {
		chunk, err := reader.ReadSlice('\n')
		if ctx.Err() != nil {
			return
		}

		if !oversize {
			record = append(record, chunk...)
		}
		if err == bufio.ErrBufferFull {
			// The record continues past the read buffer.
			if len(record) > maxRecordSize {
				record = nil
				oversize = true
			}
			continue
		}

		// The limit applies to the record body, not its terminator.
		raw := trimLine(record)
		switch {
		case oversize || len(raw) > maxRecordSize:
			s.metrics.DroppedOversize.Inc()
			s.log.Warnf("dropping oversized record: remote=%s, limit=%d", cc.Remote, maxRecordSize)
			oversize = false
		case len(raw) > 0:
			handle(ctx, cc, raw)
		}
		record = nil

		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.log.Debugf("connection read error: remote=%s, error=%v", cc.Remote, err)
			}
			s.log.Debugf("connection closed: remote=%s", cc.Remote)
			return
		}
	}
}

// trimLine strips the trailing newline and optional carriage return.
func trimLine(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}

func remoteName(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}
