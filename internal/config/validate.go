package config

import (
	"fmt"
	"strings"
)

// Validate checks structural invariants of the configuration.
// A validation failure is fatal at startup: the pipeline never starts.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("no input endpoints configured")
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		name := ep.Name
		if name == "" {
			return fmt.Errorf("endpoint %d: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("endpoint %q: duplicate name", name)
		}
		seen[name] = true

		switch ep.Transport {
		case TransportTCP, TransportUDP, TransportUnix, TransportUnixgram:
		default:
			return fmt.Errorf("endpoint %q: unsupported transport %q", name, ep.Transport)
		}

		if ep.Address == "" {
			return fmt.Errorf("endpoint %q: address is required", name)
		}

		switch ep.Format {
		case FormatSyslog, FormatJSON:
		default:
			return fmt.Errorf("endpoint %q: unsupported format %q", name, ep.Format)
		}
	}

	if len(c.Mapping.Rules) == 0 {
		return fmt.Errorf("mapping: at least one rule is required")
	}
	for i, r := range c.Mapping.Rules {
		if r.Source == "" && r.Value == "" {
			return fmt.Errorf("mapping rule %d: either source or value must be set", i)
		}
		if r.Source == "" && r.Field == "" {
			return fmt.Errorf("mapping rule %d: static rule requires a field name", i)
		}
	}

	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue: capacity must be positive, got %d", c.Queue.Capacity)
	}
	switch c.Queue.Policy {
	case PolicyBlock, PolicyDropOldest, PolicyDropNewest:
	default:
		return fmt.Errorf("queue: unknown outage policy %q (want %s)", c.Queue.Policy,
			strings.Join([]string{PolicyBlock, PolicyDropOldest, PolicyDropNewest}, ", "))
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffBase <= 0 {
		return fmt.Errorf("retry: backoff_base must be positive")
	}
	if c.Retry.BackoffCap < c.Retry.BackoffBase {
		return fmt.Errorf("retry: backoff_cap must not be below backoff_base")
	}

	if c.Drain.Timeout <= 0 {
		return fmt.Errorf("drain: timeout must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics: address is required when enabled")
	}

	return nil
}
