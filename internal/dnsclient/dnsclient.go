// Package dnsclient implements a minimal, single-shot UDP DNS client: just
// enough to resolve A, AAAA, PTR and NS records with a per-query timeout,
// for the HELO-time policy checks in internal/blocklist. It is not a
// general-purpose resolver: no DNSSEC, no recursion beyond what the
// upstream server itself performs, no retransmit/backoff, and a truncated
// (TC=1) answer is a hard error rather than a TCP retry.
package dnsclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/posthorn/posthorn/internal/log"
)

// DefaultTimeout is used when a Client is constructed with a zero Timeout.
const DefaultTimeout = 2 * time.Second

// Sentinel errors, matching spec's DNS error family (Timeout, Truncated,
// Empty, Malformed). Wrapped with fmt.Errorf("...: %w", ...) so callers can
// errors.Is against them while still seeing which query failed.
var (
	ErrTimeout    = errors.New("dns: query timed out")
	ErrTruncated  = errors.New("dns: truncated response, TCP fallback not supported")
	ErrEmpty      = errors.New("dns: empty answer section")
	ErrMalformed  = errors.New("dns: malformed response")
	ErrNoResolver = errors.New("dns: no resolver configured")
)

// Client queries a single upstream DNS server over UDP.
type Client struct {
	// Server is "host:port", usually "host:53".
	Server string

	// Timeout bounds each individual query. Zero means DefaultTimeout.
	Timeout time.Duration
}

// New returns a Client for server ("host:port"), using DefaultTimeout if
// timeout is zero or negative.
func New(server string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{Server: server, Timeout: timeout}
}

// LookupA resolves name's IPv4 addresses.
func (c *Client) LookupA(ctx context.Context, name string) ([]net.IP, error) {
	msg, err := c.query(ctx, name, dnsmessage.TypeA)
	if err != nil {
		return nil, err
	}
	return extractIPs(msg, name, dnsmessage.TypeA)
}

// LookupAAAA resolves name's IPv6 addresses.
func (c *Client) LookupAAAA(ctx context.Context, name string) ([]net.IP, error) {
	msg, err := c.query(ctx, name, dnsmessage.TypeAAAA)
	if err != nil {
		return nil, err
	}
	return extractIPs(msg, name, dnsmessage.TypeAAAA)
}

// LookupPTR resolves ip's reverse-DNS names.
func (c *Client) LookupPTR(ctx context.Context, ip net.IP) ([]string, error) {
	name, err := ReverseAddr(ip)
	if err != nil {
		return nil, err
	}
	msg, err := c.query(ctx, name, dnsmessage.TypePTR)
	if err != nil {
		return nil, err
	}
	return extractNames(msg, name, dnsmessage.TypePTR)
}

// LookupNS resolves domain's authoritative nameservers.
func (c *Client) LookupNS(ctx context.Context, domain string) ([]string, error) {
	msg, err := c.query(ctx, domain, dnsmessage.TypeNS)
	if err != nil {
		return nil, err
	}
	return extractNames(msg, domain, dnsmessage.TypeNS)
}

// query sends a single question over UDP and returns the parsed response,
// after rejecting truncated answers.
func (c *Client) query(ctx context.Context, name string, qtype dnsmessage.Type) (*dnsmessage.Message, error) {
	if c.Server == "" {
		return nil, ErrNoResolver
	}

	qname, err := dnsmessage.NewName(dotted(name))
	if err != nil {
		return nil, fmt.Errorf("dns: invalid name %q: %w", name, err)
	}

	id := uint16(rand.Intn(1 << 16))
	query := dnsmessage.Message{
		Header: dnsmessage.Header{ID: id, RecursionDesired: true},
		Questions: []dnsmessage.Question{
			{Name: qname, Type: qtype, Class: dnsmessage.ClassINET},
		},
	}

	packed, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: packing query: %v", ErrMalformed, err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	conn, err := net.Dial("udp", c.Server)
	if err != nil {
		return nil, fmt.Errorf("dns: dialing %s: %w", c.Server, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("dns: setting deadline: %w", err)
	}

	if _, err := conn.Write(packed); err != nil {
		return nil, fmt.Errorf("dns: sending query: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, fmt.Errorf("%s %s: %w", qtype, name, ErrTimeout)
		}
		return nil, fmt.Errorf("dns: reading response: %w", err)
	}

	var resp dnsmessage.Message
	if err := resp.Unpack(buf[:n]); err != nil {
		return nil, fmt.Errorf("%w: unpacking response: %v", ErrMalformed, err)
	}

	if resp.ID != id {
		return nil, fmt.Errorf("%w: transaction ID mismatch", ErrMalformed)
	}
	if resp.Truncated {
		log.Debugf("dns: truncated response from %s for %s %s", c.Server, qtype, name)
		return nil, fmt.Errorf("%s %s: %w", qtype, name, ErrTruncated)
	}

	return &resp, nil
}

func extractIPs(msg *dnsmessage.Message, name string, qtype dnsmessage.Type) ([]net.IP, error) {
	var ips []net.IP
	for _, a := range msg.Answers {
		switch body := a.Body.(type) {
		case *dnsmessage.AResource:
			ips = append(ips, net.IP(body.A[:]))
		case *dnsmessage.AAAAResource:
			ips = append(ips, net.IP(body.AAAA[:]))
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%s %s: %w", qtype, name, ErrEmpty)
	}
	return ips, nil
}

func extractNames(msg *dnsmessage.Message, name string, qtype dnsmessage.Type) ([]string, error) {
	var names []string
	for _, a := range msg.Answers {
		switch body := a.Body.(type) {
		case *dnsmessage.PTRResource:
			names = append(names, strings.TrimSuffix(body.PTR.String(), "."))
		case *dnsmessage.NSResource:
			names = append(names, strings.TrimSuffix(body.NS.String(), "."))
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s %s: %w", qtype, name, ErrEmpty)
	}
	return names, nil
}

// ReverseAddr returns the QNAME used to PTR-lookup ip: the reversed
// dotted-decimal labels under "in-addr.arpa" for IPv4, or the reversed
// nibble labels under "ip6.arpa" for IPv6.
func ReverseAddr(ip net.IP) (string, error) {
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa",
			v4[3], v4[2], v4[1], v4[0]), nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return "", fmt.Errorf("dns: invalid IP address %q", ip)
	}
	const hexDigit = "0123456789abcdef"
	labels := make([]string, 0, 32)
	for i := len(v6) - 1; i >= 0; i-- {
		b := v6[i]
		labels = append(labels, string(hexDigit[b&0x0f]))
		labels = append(labels, string(hexDigit[b>>4]))
	}
	return strings.Join(labels, ".") + ".ip6.arpa", nil
}

// dotted appends a trailing "." if name doesn't already have one, since
// dnsmessage.NewName requires a fully qualified name.
func dotted(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
