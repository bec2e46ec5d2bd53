// Package inventory defines the configuration snapshot a query runs against:
// devices, the proxies that reach them, credential definitions, and
// process-wide parameters. A loaded Config is read-only.
package inventory

import (
	"net"
	"strconv"
	"time"
)

// Transport names the wire-level method used to talk to a device.
type Transport string

const (
	TransportSSH    Transport = "ssh"
	TransportHTTP   Transport = "http"
	TransportDocker Transport = "docker"
)

// DefaultDockerExec runs the command through the FRR shell.
var DefaultDockerExec = []string{"vtysh", "-c"}

// Defaults applied when a configuration omits a value.
const (
	DefaultRequestTimeout = 90
	DefaultTunnelMargin   = 2
	DefaultSSHPort        = 22
	DefaultHTTPPort       = 443
	DefaultHTTPPath       = "/query"
)

// Config is a complete configuration snapshot.
type Config struct {
	// Path is the file the configuration was loaded from.
	Path string `yaml:"-" toml:"-" json:"-"`

	// Params holds process-wide settings.
	Params Params `yaml:"params" toml:"params" json:"params"`

	// Credentials maps a credential name to its definition.
	Credentials map[string]*Credential `yaml:"credentials" toml:"credentials" json:"credentials"`

	// Proxies are the bastions devices may be reached through.
	Proxies []*Proxy `yaml:"proxies" toml:"proxies" json:"proxies"`

	// Devices are the queryable network elements.
	Devices []*Device `yaml:"devices" toml:"devices" json:"devices"`

	// Commands overrides command templates: platform -> command id -> template.
	Commands map[string]map[string]string `yaml:"commands" toml:"commands" json:"commands"`
}

// Params holds process-wide settings.
type Params struct {
	// RequestTimeout is the overall per-query deadline in seconds.
	RequestTimeout int `yaml:"request_timeout" toml:"request_timeout" json:"request_timeout"`

	// TunnelMargin is reserved from the request timeout for the device
	// session when establishing a tunnel, in seconds.
	TunnelMargin int `yaml:"tunnel_margin" toml:"tunnel_margin" json:"tunnel_margin"`

	// CacheTimeout is how long parsed results are cached, in seconds.
	// Zero disables caching.
	CacheTimeout int `yaml:"cache_timeout" toml:"cache_timeout" json:"cache_timeout"`

	// RedisURL selects a Redis result cache (redis://host:port/db).
	RedisURL string `yaml:"redis_url" toml:"redis_url" json:"redis_url"`

	// KnownHosts is an optional known_hosts file used to verify SSH host keys.
	KnownHosts string `yaml:"known_hosts" toml:"known_hosts" json:"known_hosts"`
}

// Timeout returns the request timeout as a duration.
func (p Params) Timeout() time.Duration {
	return time.Duration(p.RequestTimeout) * time.Second
}

// Margin returns the tunnel margin as a duration.
func (p Params) Margin() time.Duration {
	return time.Duration(p.TunnelMargin) * time.Second
}

// CacheTTL returns the cache timeout as a duration.
func (p Params) CacheTTL() time.Duration {
	return time.Duration(p.CacheTimeout) * time.Second
}

// Credential is the configured form of a credential. Password may be a
// literal or a secret reference (env:, file:, age:); it is resolved by the
// credential package and never used directly.
type Credential struct {
	Username string `yaml:"username" toml:"username" json:"username"`
	Method   string `yaml:"method" toml:"method" json:"method"`
	Password string `yaml:"password" toml:"password" json:"password"`
	Key      string `yaml:"key" toml:"key" json:"key"`
}

// Proxy is an SSH bastion used to reach devices that are not directly routable.
type Proxy struct {
	Name       string `yaml:"name" toml:"name" json:"name"`
	Address    string `yaml:"address" toml:"address" json:"address"`
	Port       int    `yaml:"port" toml:"port" json:"port"`
	Credential string `yaml:"credential" toml:"credential" json:"credential"`
}

// Target returns the proxy's host:port.
func (p *Proxy) Target() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// HTTPParams are the per-device settings of the HTTP API transport.
type HTTPParams struct {
	Scheme      string `yaml:"scheme" toml:"scheme" json:"scheme"`
	Path        string `yaml:"path" toml:"path" json:"path"`
	InsecureTLS bool   `yaml:"insecure_tls" toml:"insecure_tls" json:"insecure_tls"`
}

// DockerParams are the per-device settings of the docker transport. The
// device address is the container name or ID.
type DockerParams struct {
	// Exec is the argv prefix the rendered command is appended to.
	Exec []string `yaml:"exec" toml:"exec" json:"exec"`
}

// Device is a network element queried for diagnostic state.
type Device struct {
	Name       string       `yaml:"name" toml:"name" json:"name"`
	Address    string       `yaml:"address" toml:"address" json:"address"`
	Port       int          `yaml:"port" toml:"port" json:"port"`
	Transport  Transport    `yaml:"transport" toml:"transport" json:"transport"`
	Platform   string       `yaml:"platform" toml:"platform" json:"platform"`
	Proxy      string       `yaml:"proxy" toml:"proxy" json:"proxy"`
	Credential string       `yaml:"credential" toml:"credential" json:"credential"`
	HTTP       HTTPParams   `yaml:"http" toml:"http" json:"http"`
	Docker     DockerParams `yaml:"docker" toml:"docker" json:"docker"`
}

// Target returns the device's host:port.
func (d *Device) Target() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// Proxied reports whether the device must be reached through a proxy.
func (d *Device) Proxied() bool {
	return d.Proxy != ""
}

// Device returns the device with the given name.
func (c *Config) Device(name string) (*Device, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Proxy returns the proxy with the given name.
func (c *Config) Proxy(name string) (*Proxy, bool) {
	for _, p := range c.Proxies {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Credential returns the credential definition with the given name.
func (c *Config) Credential(name string) (*Credential, bool) {
	cred, ok := c.Credentials[name]
	return cred, ok
}

// applyDefaults fills in values the configuration left empty.
func (c *Config) applyDefaults() {
	if c.Params.RequestTimeout == 0 {
		c.Params.RequestTimeout = DefaultRequestTimeout
	}
	if c.Params.TunnelMargin == 0 {
		c.Params.TunnelMargin = DefaultTunnelMargin
	}

	for _, p := range c.Proxies {
		if p.Port == 0 {
			p.Port = DefaultSSHPort
		}
	}

	for _, d := range c.Devices {
		if d.Transport == "" {
			d.Transport = TransportSSH
		}
		if d.Port == 0 {
			switch d.Transport {
			case TransportHTTP:
				d.Port = DefaultHTTPPort
			case TransportDocker:
			default:
				d.Port = DefaultSSHPort
			}
		}
		if d.Transport == TransportDocker && len(d.Docker.Exec) == 0 {
			d.Docker.Exec = append([]string(nil), DefaultDockerExec...)
		}
		if d.Transport == TransportHTTP {
			if d.HTTP.Scheme == "" {
				d.HTTP.Scheme = "https"
			}
			if d.HTTP.Path == "" {
				d.HTTP.Path = DefaultHTTPPath
			}
		}
	}
}
