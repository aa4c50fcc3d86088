// Package journal delivers records into the systemd journal through a
// single serialized writer.
package journal

import (
	"fmt"

	sdjournal "github.com/coreos/go-systemd/v22/journal"
)

// Transport submits one entry to the local journal. The native submission
// channel is not safely reentrant across concurrent submitters, which is
// why exactly one Writer owns the transport handle.
type Transport interface {
	// Send submits a single entry carrying the full field set.
	Send(message string, priority sdjournal.Priority, fields map[string]string) error
}

// socketTransport submits entries over the journald socket.
type socketTransport struct{}

// NewTransport returns the journald socket transport. It fails when no
// journal socket is available on this host.
func NewTransport() (Transport, error) {
	if !sdjournal.Enabled() {
		return nil, fmt.Errorf("systemd journal socket is not available")
	}
	return socketTransport{}, nil
}

func (socketTransport) Send(message string, priority sdjournal.Priority, fields map[string]string) error {
	return sdjournal.Send(message, priority, fields)
}

// Discard is a Transport that accepts and ignores every entry. Used by
// configuration validation, which must build a full pipeline without
// touching the journal socket.
var Discard Transport = discardTransport{}

type discardTransport struct{}

func (discardTransport) Send(string, sdjournal.Priority, map[string]string) error {
	return nil
}
