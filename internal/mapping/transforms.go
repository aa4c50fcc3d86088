package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

// Transform rewrites a copied field value. Transforms are total over valid
// inputs; an invalid input is a mapping error for the whole record.
type Transform func(string) (string, error)

// severityNames maps textual severities onto syslog priority numbers,
// including the common aliases.
var severityNames = map[string]int{
	"emerg":     0,
	"emergency": 0,
	"panic":     0,
	"alert":     1,
	"crit":      2,
	"critical":  2,
	"err":       3,
	"error":     3,
	"warning":   4,
	"warn":      4,
	"notice":    5,
	"info":      6,
	"debug":     7,
}

func lookupTransform(name string) (Transform, error) {
	switch name {
	case "":
		return nil, nil
	case "severity":
		return severityTransform, nil
	case "lowercase":
		return func(v string) (string, error) { return strings.ToLower(v), nil }, nil
	case "uppercase":
		return func(v string) (string, error) { return strings.ToUpper(v), nil }, nil
	default:
		return nil, fmt.Errorf("unknown transform %q", name)
	}
}

// severityTransform normalizes a numeric or textual severity into the
// journal's PRIORITY value "0".."7".
func severityTransform(v string) (string, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if n < 0 || n > 7 {
			return "", fmt.Errorf("severity %d out of range", n)
		}
		return strconv.Itoa(n), nil
	}
	if n, ok := severityNames[strings.ToLower(strings.TrimSpace(v))]; ok {
		return strconv.Itoa(n), nil
	}
	return "", fmt.Errorf("unrecognized severity %q", v)
}
