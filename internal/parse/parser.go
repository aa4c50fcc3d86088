// Package parse turns raw input units into flat key/value data.
package parse

import (
	"fmt"

	"github.com/usrlog/journal-relay/internal/config"
)

// Error reports a malformed input unit. It is recoverable: the pipeline
// counts the drop and continues with the next unit.
type Error struct {
	Format string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("parsing %s record: %v", e.Format, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Parser extracts key/value pairs from one framed input unit (a line or a
// datagram). Implementations are safe for concurrent use.
type Parser interface {
	// Parse returns the recognized fields of raw, or an *Error if the
	// input is malformed.
	Parse(raw []byte) (map[string]string, error)

	// Format returns the wire format identifier.
	Format() string
}

// New creates a parser for the given wire format.
func New(format string) (Parser, error) {
	switch format {
	case config.FormatSyslog:
		return NewSyslogParser(), nil
	case config.FormatJSON:
		return NewJSONParser(), nil
	default:
		return nil, fmt.Errorf("unsupported record format %q", format)
	}
}
