package parse

import (
	"strconv"
	"time"

	syslogformat "gopkg.in/mcuadros/go-syslog.v2/format"
)

// SyslogParser parses RFC 3164 and RFC 5424 syslog records. The variant is
// detected per record: RFC 5424 carries a version digit after the priority.
type SyslogParser struct{}

// NewSyslogParser creates a syslog parser.
func NewSyslogParser() *SyslogParser {
	return &SyslogParser{}
}

// Format returns the wire format identifier.
func (p *SyslogParser) Format() string {
	return "syslog"
}

// Parse extracts the syslog header and message into flat key/value pairs.
// Keys are normalized across both RFC variants: message, severity, facility,
// priority, timestamp, hostname, tag, and for RFC 5424 also pid, msgid and
// structured_data.
func (p *SyslogParser) Parse(raw []byte) (map[string]string, error) {
	var f syslogformat.Format
	if isRFC5424(raw) {
		f = &syslogformat.RFC5424{}
	} else {
		f = &syslogformat.RFC3164{}
	}

	parser := f.GetParser(raw)
	if err := parser.Parse(); err != nil {
		return nil, &Error{Format: "syslog", Err: err}
	}

	out := make(map[string]string, 8)
	for key, value := range parser.Dump() {
		name, ok := normalizeSyslogKey(key)
		if !ok {
			continue
		}
		s := stringifySyslogValue(value)
		if s == "" || s == "-" {
			continue
		}
		out[name] = s
	}
	return out, nil
}

// isRFC5424 reports whether raw starts with "<pri>" followed by a version
// digit and a space, the RFC 5424 header shape.
func isRFC5424(raw []byte) bool {
	if len(raw) < 5 || raw[0] != '<' {
		return false
	}
	i := 1
	for ; i < len(raw) && i <= 4; i++ {
		if raw[i] == '>' {
			break
		}
		if raw[i] < '0' || raw[i] > '9' {
			return false
		}
	}
	if i >= len(raw) || raw[i] != '>' {
		return false
	}
	// version digit plus space
	return i+2 < len(raw) && raw[i+1] >= '1' && raw[i+1] <= '9' && raw[i+2] == ' '
}

// normalizeSyslogKey maps go-syslog's LogParts keys onto the source-field
// names used by mapping rules. Both RFC variants end up with the same names.
func normalizeSyslogKey(key string) (string, bool) {
	switch key {
	case "content", "message":
		return "message", true
	case "tag", "app_name":
		return "tag", true
	case "proc_id":
		return "pid", true
	case "msg_id":
		return "msgid", true
	case "severity", "facility", "priority", "hostname", "timestamp", "structured_data":
		return key, true
	default:
		return "", false
	}
}

func stringifySyslogValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return ""
	}
}
