package inventory

import (
	"fmt"
	"strings"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Validate checks the configuration for dangling references and missing fields.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Params.RequestTimeout < 0 {
		add("request_timeout cannot be negative")
	}
	if c.Params.TunnelMargin < 0 {
		add("tunnel_margin cannot be negative")
	}
	if c.Params.CacheTimeout < 0 {
		add("cache_timeout cannot be negative")
	}

	for name, cred := range c.Credentials {
		if cred == nil {
			add("credential '%s' is empty", name)
			continue
		}
		if cred.Username == "" {
			add("credential '%s' is missing a username", name)
		}
	}

	proxies := make(map[string]bool)
	for i, p := range c.Proxies {
		label := fmt.Sprintf("proxy '%s'", p.Name)
		if p.Name == "" {
			label = fmt.Sprintf("proxy %d", i+1)
			add("%s is missing a name", label)
		} else if proxies[p.Name] {
			add("proxy '%s' is defined more than once", p.Name)
		}
		proxies[p.Name] = true

		if p.Address == "" {
			add("%s is missing an address", label)
		}
		if p.Credential == "" {
			add("%s is missing a credential", label)
		} else if _, ok := c.Credentials[p.Credential]; !ok {
			add("%s references unknown credential '%s'", label, p.Credential)
		}
	}

	devices := make(map[string]bool)
	for i, d := range c.Devices {
		label := fmt.Sprintf("device '%s'", d.Name)
		if d.Name == "" {
			label = fmt.Sprintf("device %d", i+1)
			add("%s is missing a name", label)
		} else if devices[d.Name] {
			add("device '%s' is defined more than once", d.Name)
		}
		devices[d.Name] = true

		if d.Address == "" {
			add("%s is missing an address", label)
		}
		if d.Platform == "" {
			add("%s is missing a platform", label)
		}

		switch d.Transport {
		case TransportSSH, TransportHTTP:
			if d.Credential == "" {
				add("%s is missing a credential", label)
			}
		case TransportDocker:
			// Containers are reached through the local docker daemon.
			if d.Proxy != "" {
				add("%s cannot use a proxy with the docker transport", label)
			}
		default:
			add("%s has invalid transport '%s' (must be one of ssh, http, docker)", label, d.Transport)
		}

		if d.Credential != "" {
			if _, ok := c.Credentials[d.Credential]; !ok {
				add("%s references unknown credential '%s'", label, d.Credential)
			}
		}

		if d.Proxy != "" && !proxies[d.Proxy] {
			add("%s references unknown proxy '%s'", label, d.Proxy)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
