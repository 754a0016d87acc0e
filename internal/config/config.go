// Package config implements posthorn's reference server configuration: the
// handful of knobs a host process wants to set (listen addresses, hostname,
// TLS cert paths, auth mechanisms, blocklist zones, DNSBL resolver address)
// loaded from a YAML file with sane defaults.
//
// The engine itself (internal/smtpengine) takes no config file at all — it
// is configured in code, per session, by its embedder. This package exists
// for cmd/posthornd's standalone daemon, not for the library surface.
package config

import (
	"fmt"
	"os"
	"time"

	"blitiri.com.ar/go/log"
	"gopkg.in/yaml.v2"
)

// Config holds posthorn's reference server configuration.
type Config struct {
	// Hostname announced in the SMTP banner and EHLO response. Defaults to
	// os.Hostname() if left empty.
	Hostname string `yaml:"hostname"`

	// Addresses to listen on for plaintext/STARTTLS SMTP. "systemd" means
	// take listeners from LISTEN_FDS via internal/systemd instead of
	// binding directly.
	SMTPAddress []string `yaml:"smtp_address"`

	// Address to serve /debug/requests and expvar metrics on. Empty
	// disables monitoring entirely.
	MonitoringAddress string `yaml:"monitoring_address"`

	// Maximum DATA size the engine will accept, in megabytes.
	MaxDataSizeMB int `yaml:"max_data_size_mb"`

	// TLS certificate/key pair for STARTTLS. Both empty means STARTTLS is
	// not advertised.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// SASL mechanisms to advertise and accept once TLS is active. Valid
	// values: "PLAIN", "LOGIN".
	AuthMechanisms []string `yaml:"auth_mechanisms"`

	// DNSBL zones to query at HELO time (internal/blocklist). Empty means
	// no blocklist checking.
	BlocklistZones []string `yaml:"blocklist_zones"`

	// Bootstrap DNS resolver, "host:port". Empty means discover one from
	// /etc/resolv.conf.
	DNSResolver string `yaml:"dns_resolver"`

	// Per-query DNS timeout, as a duration string (e.g. "2s"). Empty means
	// the internal/dnsclient default.
	DNSTimeout string `yaml:"dns_timeout"`

	// PinBlocklistNameserver selects the optional lookup_ns behavior:
	// resolve each blocklist zone's own nameserver once and query it
	// directly rather than the bootstrap resolver. The value is loaded and
	// logged only; cmd/posthornd does not act on it, and blocklist queries
	// go to the configured resolver whatever it is set to.
	PinBlocklistNameserver bool `yaml:"pin_blocklist_nameserver"`

	// Domains this server accepts mail for. RCPT TO addresses outside this
	// set get a 421 "Service not available" reply, which closes the
	// connection. Empty means accept only
	// Hostname.
	AcceptedDomains []string `yaml:"accepted_domains"`
}

var defaultConfig = Config{
	SMTPAddress:   []string{"systemd"},
	MaxDataSizeMB: 50,
}

// Load reads the YAML configuration at path, overlaying it onto the
// defaults. A missing Hostname is filled in from os.Hostname.
func Load(path string) (*Config, error) {
	c := defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	if err := yaml.Unmarshal(buf, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}

	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if c.DNSTimeout != "" {
		if _, err := time.ParseDuration(c.DNSTimeout); err != nil {
			return nil, fmt.Errorf("invalid dns_timeout value %q: %v", c.DNSTimeout, err)
		}
	}

	if len(c.AcceptedDomains) == 0 {
		c.AcceptedDomains = []string{c.Hostname}
	}

	return &c, nil
}

// DNSTimeoutDuration parses DNSTimeout, falling back to def when unset. The
// string was already validated by Load.
func (c *Config) DNSTimeoutDuration(def time.Duration) time.Duration {
	if c.DNSTimeout == "" {
		return def
	}
	d, _ := time.ParseDuration(c.DNSTimeout)
	return d
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  SMTP addresses: %q", c.SMTPAddress)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMB)
	log.Infof("  TLS cert/key: %q / %q", c.TLSCertFile, c.TLSKeyFile)
	log.Infof("  Auth mechanisms: %q", c.AuthMechanisms)
	log.Infof("  Blocklist zones: %q", c.BlocklistZones)
	log.Infof("  DNS resolver: %q", c.DNSResolver)
	log.Infof("  DNS timeout: %q", c.DNSTimeout)
	log.Infof("  Pin blocklist nameserver: %v", c.PinBlocklistNameserver)
	log.Infof("  Accepted domains: %q", c.AcceptedDomains)
}
