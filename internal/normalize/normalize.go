// Package normalize contains functions to normalize usernames and domains,
// so that the same identity written in different ways (case, Unicode form,
// IDNA encoding) compares equal throughout the engine: HELO/MAIL domain
// checks, FCrDNS name comparisons, and SASL PLAIN/LOGIN identities all go
// through here before being compared or stored.
package normalize

import (
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/posthorn/posthorn/internal/envelope"
)

// User normalizes a username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Addr normalizes an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// Domain normalizes a domain name to its IDNA ASCII ("punycode") form, so
// that "café.example" and "xn--caf-dma.example" compare equal. On error, it
// returns the original domain, to simplify callers that only want a
// best-effort normalization.
func Domain(domain string) (string, error) {
	norm, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain, err
	}

	return norm, nil
}

// DomainToUnicode is the inverse of Domain: it turns an IDNA ASCII domain
// back into its Unicode form, for display and for comparing a DNS-returned
// PTR name against a domain a client presented in its original script.
func DomainToUnicode(domain string) (string, error) {
	norm, err := idna.Lookup.ToUnicode(domain)
	if err != nil {
		return domain, err
	}

	return norm, nil
}
