// Package mapping transforms parsed key/value data into journal records
// according to an ordered rule set.
package mapping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/usrlog/journal-relay/internal/config"
	"github.com/usrlog/journal-relay/internal/model"
)

// Error reports a record that failed field mapping. It is recoverable: the
// pipeline counts the drop and continues with the next record.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("mapping field %s: %s", e.Field, e.Reason)
	}
	return "mapping record: " + e.Reason
}

type ruleKind int

const (
	ruleCopy ruleKind = iota
	ruleStatic
	ruleCatchAll
)

type compiledRule struct {
	kind      ruleKind
	source    string
	field     string
	value     []byte
	prefix    string
	transform Transform
}

// Mapper applies an ordered rule set to parsed key/value data. It is
// immutable after construction and safe for concurrent use.
type Mapper struct {
	rules []compiledRule
}

// New compiles the rule set. Invalid rules (unknown transform, invalid
// journal field name) are configuration errors: they fail here, at startup,
// never at runtime.
func New(rules []config.MappingRule) (*Mapper, error) {
	compiled := make([]compiledRule, 0, len(rules))

	for i, r := range rules {
		switch {
		case r.Source == "*":
			// Catch-all: maps every unconsumed source field. Field, if
			// set, is used as a name prefix.
			if r.Field != "" && !model.ValidFieldName(r.Field) {
				return nil, fmt.Errorf("rule %d: invalid catch-all prefix %q", i, r.Field)
			}
			compiled = append(compiled, compiledRule{kind: ruleCatchAll, prefix: r.Field})

		case r.Source == "":
			// Static field injection.
			if !model.ValidFieldName(r.Field) {
				return nil, fmt.Errorf("rule %d: invalid journal field name %q", i, r.Field)
			}
			compiled = append(compiled, compiledRule{
				kind:  ruleStatic,
				field: r.Field,
				value: []byte(r.Value),
			})

		default:
			// Copy, with an optional transform.
			field := r.Field
			if field == "" {
				field = SanitizeFieldName(r.Source)
			}
			if !model.ValidFieldName(field) {
				return nil, fmt.Errorf("rule %d: invalid journal field name %q", i, field)
			}
			tr, err := lookupTransform(r.Transform)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			compiled = append(compiled, compiledRule{
				kind:      ruleCopy,
				source:    r.Source,
				field:     field,
				transform: tr,
			})
		}
	}

	return &Mapper{rules: compiled}, nil
}

// Map produces a Record from parsed key/value data, or an *Error when the
// record is invalid. A record missing the mandatory MESSAGE field is
// rejected, never silently substituted.
func (m *Mapper) Map(src map[string]string) (*model.Record, error) {
	rec := model.NewRecord(len(src) + 2)
	consumed := make(map[string]bool, len(src))

	for _, r := range m.rules {
		switch r.kind {
		case ruleStatic:
			if err := rec.Append(r.field, r.value); err != nil {
				return nil, &Error{Field: r.field, Reason: "duplicate journal field"}
			}

		case ruleCopy:
			v, ok := src[r.source]
			if !ok {
				continue
			}
			consumed[r.source] = true
			if r.transform != nil {
				tv, err := r.transform(v)
				if err != nil {
					return nil, &Error{Field: r.field, Reason: err.Error()}
				}
				v = tv
			}
			if err := rec.Append(r.field, []byte(v)); err != nil {
				return nil, &Error{Field: r.field, Reason: "duplicate journal field"}
			}

		case ruleCatchAll:
			// Deterministic order for the otherwise unordered source map.
			keys := make([]string, 0, len(src))
			for k := range src {
				if !consumed[k] {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			for _, k := range keys {
				name := SanitizeFieldName(r.prefix + "_" + k)
				if r.prefix == "" {
					name = SanitizeFieldName(k)
				}
				if name == "" || rec.Has(name) {
					continue
				}
				if err := rec.Append(name, []byte(src[k])); err != nil {
					continue
				}
				consumed[k] = true
			}
		}
	}

	if !rec.Valid() {
		return nil, &Error{Field: model.FieldMessage, Reason: "mandatory message field is missing"}
	}
	return rec, nil
}

// SanitizeFieldName converts an arbitrary source key into a valid journal
// field name: uppercased, invalid characters replaced with underscores,
// leading underscores stripped (the underscore prefix is reserved for
// trusted journal fields). Returns "" if nothing usable remains.
func SanitizeFieldName(name string) string {
	b := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			b = append(b, c-'a'+'A')
		case (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_':
			b = append(b, c)
		default:
			b = append(b, '_')
		}
	}

	s := strings.TrimLeft(string(b), "_")
	if s == "" {
		return ""
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "X" + s
	}
	if len(s) > model.MaxFieldNameLen {
		s = s[:model.MaxFieldNameLen]
	}
	return s
}
