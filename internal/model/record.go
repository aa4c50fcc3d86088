// Package model defines the core data structures flowing through the relay.
package model

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Well-known journal field names.
const (
	FieldMessage    = "MESSAGE"
	FieldPriority   = "PRIORITY"
	FieldIdentifier = "SYSLOG_IDENTIFIER"
	FieldPID        = "SYSLOG_PID"
)

// MaxFieldNameLen is the journal's limit on field name length.
const MaxFieldNameLen = 64

// Field is a single named value of a Record. Value may hold UTF-8 text or
// arbitrary binary data.
type Field struct {
	Name  string
	Value []byte
}

// Record is one structured log event, ready for delivery to the journal.
// Field order is preserved and field names are unique within a Record.
type Record struct {
	// Seq is the global delivery sequence number, assigned on enqueue.
	Seq uint64

	// ConnSeq orders the record within its originating connection.
	ConnSeq uint64

	// Source names the endpoint that produced this record.
	Source string

	// EnqueuedAt is set when the record enters the delivery queue.
	EnqueuedAt time.Time

	fields []Field
	index  map[string]int
}

// NewRecord creates an empty Record with room for n fields.
func NewRecord(n int) *Record {
	return &Record{
		fields: make([]Field, 0, n),
		index:  make(map[string]int, n),
	}
}

// Append adds a field to the record. Duplicate field names are rejected.
func (r *Record) Append(name string, value []byte) error {
	if !ValidFieldName(name) {
		return fmt.Errorf("invalid field name %q", name)
	}
	if _, ok := r.index[name]; ok {
		return fmt.Errorf("duplicate field %q", name)
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: value})
	return nil
}

// Get returns the value of the named field.
func (r *Record) Get(name string) ([]byte, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.fields[i].Value, true
}

// Has reports whether the named field is present.
func (r *Record) Has(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Fields returns the record's fields in insertion order.
// The returned slice is owned by the record and must not be modified.
func (r *Record) Fields() []Field {
	return r.fields
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.fields)
}

// Valid reports whether the record carries the mandatory message field.
func (r *Record) Valid() bool {
	return r.Has(FieldMessage)
}

// ValidFieldName reports whether name is acceptable as a journal field name:
// uppercase ASCII letters, digits and underscores, not starting with a digit
// or underscore, at most MaxFieldNameLen characters.
func ValidFieldName(name string) bool {
	if len(name) == 0 || len(name) > MaxFieldNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c == '_' || (c >= '0' && c <= '9'):
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ConnContext holds per-connection state: a monotonic sequence counter for
// intra-connection ordering and transport identity for diagnostics.
type ConnContext struct {
	// Endpoint names the listener that accepted the connection.
	Endpoint string

	// Remote identifies the peer (address or socket path), for diagnostics only.
	Remote string

	seq atomic.Uint64
}

// NextSeq returns the next per-connection sequence number, starting at 1.
func (c *ConnContext) NextSeq() uint64 {
	return c.seq.Add(1)
}
