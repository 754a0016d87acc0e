// Package blocklist implements HELO-time IP reputation checks: parallel
// DNSBL zone lookups combined with OR, and Forward-Confirmed Reverse DNS
// (FCrDNS).
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/posthorn/posthorn/internal/dnsclient"
	"github.com/posthorn/posthorn/internal/log"
)

// Resolver is the subset of *dnsclient.Client this package depends on, so
// tests can substitute a fake.
type Resolver interface {
	LookupA(ctx context.Context, name string) ([]net.IP, error)
	LookupPTR(ctx context.Context, ip net.IP) ([]string, error)
	LookupNS(ctx context.Context, domain string) ([]string, error)
}

// List checks a client IP against a set of DNSBL zones, running one query
// per zone concurrently and combining the results with OR: any zone that
// answers "listed" makes the whole check positive, regardless of what the
// other zones say. If every zone errors, the last error observed is
// surfaced so the caller can tell "not listed" from "couldn't check".
type List struct {
	Resolver Resolver
	Zones    []string
}

// New returns a List querying the given zones (e.g. "zen.spamhaus.org")
// through resolver.
func New(resolver Resolver, zones []string) *List {
	return &List{Resolver: resolver, Zones: zones}
}

// IsBlocked reports whether ip is listed on any configured zone.
func (l *List) IsBlocked(ctx context.Context, ip net.IP) (bool, error) {
	if len(l.Zones) == 0 {
		return false, nil
	}

	reversed, err := reverseLabels(ip)
	if err != nil {
		return false, err
	}

	type result struct {
		listed bool
		err    error
	}
	results := make(chan result, len(l.Zones))

	var wg sync.WaitGroup
	for _, zone := range l.Zones {
		wg.Add(1)
		go func(zone string) {
			defer wg.Done()
			query := reversed + "." + zone
			_, err := l.Resolver.LookupA(ctx, query)
			switch {
			case err == nil:
				log.Debugf("blocklist %s: %s listed", zone, ip)
				results <- result{listed: true}
			case isNotListed(err):
				results <- result{listed: false}
			default:
				results <- result{err: fmt.Errorf("blocklist %s: %w", zone, err)}
			}
		}(zone)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	for r := range results {
		if r.listed {
			// Drain remaining results so the goroutines above don't leak,
			// but we already have our answer.
			go func() {
				for range results {
				}
			}()
			return true, nil
		}
		if r.err != nil {
			lastErr = r.err
		}
	}

	if lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

func isNotListed(err error) bool {
	// An empty-answer response means the A query for <reversed-ip>.<zone>
	// came back with no records: not listed, not an error.
	return errors.Is(err, dnsclient.ErrEmpty)
}

// reverseLabels returns the "<reversed-ip>" portion of a DNSBL query, i.e.
// the reversed dotted-decimal octets for IPv4 (DNSBL zones do not define an
// IPv6 convention this package needs to support).
func reverseLabels(ip net.IP) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("blocklist: only IPv4 addresses are supported, got %v", ip)
	}
	return fmt.Sprintf("%d.%d.%d.%d", v4[3], v4[2], v4[1], v4[0]), nil
}

// PinNameserver resolves zone's own authoritative nameserver and returns a
// Resolver that queries it directly instead of the bootstrap resolver, per
// SPEC_FULL's optional "NS-pinning" feature (off by default). It is a
// one-shot convenience: callers that want this for every lookup should call
// it once at startup and reuse the returned Resolver.
func PinNameserver(ctx context.Context, bootstrap Resolver, zone string, newClient func(server string) Resolver) (Resolver, error) {
	names, err := bootstrap.LookupNS(ctx, zone)
	if err != nil {
		return nil, fmt.Errorf("blocklist: resolving nameserver for %s: %w", zone, err)
	}
	for _, ns := range names {
		ips, err := bootstrap.LookupA(ctx, ns)
		if err != nil || len(ips) == 0 {
			continue
		}
		return newClient(net.JoinHostPort(ips[0].String(), "53")), nil
	}
	return nil, fmt.Errorf("blocklist: no usable nameserver IP found for %s", zone)
}

// FCrDNSResult is the outcome of a Forward-Confirmed Reverse DNS check.
type FCrDNSResult int

const (
	// NoReverse means the client IP has no PTR record at all.
	NoReverse FCrDNSResult = iota
	// UnConfirmed means the PTR name exists but does not forward-resolve
	// back to the original IP.
	UnConfirmed
	// Confirmed means the PTR name forward-resolves back to the original
	// IP: a full round trip.
	Confirmed
)

// FCrDNS performs a reverse-then-forward DNS lookup on ip: PTR-lookup the
// IP, then A-lookup whatever name comes back, and check whether the
// original IP is among the answers.
func FCrDNS(ctx context.Context, resolver Resolver, ip net.IP) (FCrDNSResult, string, error) {
	names, err := resolver.LookupPTR(ctx, ip)
	if err != nil {
		if isNotListed(err) {
			return NoReverse, "", nil
		}
		return NoReverse, "", err
	}
	if len(names) == 0 {
		return NoReverse, "", nil
	}

	name := names[0]
	ips, err := resolver.LookupA(ctx, name)
	if err != nil {
		if isNotListed(err) {
			return UnConfirmed, name, nil
		}
		return UnConfirmed, name, err
	}

	for _, a := range ips {
		if a.Equal(ip) {
			return Confirmed, name, nil
		}
	}
	return UnConfirmed, name, nil
}
