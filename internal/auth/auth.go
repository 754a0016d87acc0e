// Package auth implements the authentication services behind the engine's
// AuthPlain/AuthLogin handler callbacks: per-domain backend registration,
// constant-time-ish Authenticate/Exists dispatch, and a SASL response
// decoder that normalizes the resulting identity.
package auth

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/posthorn/posthorn/internal/normalize"
)

// Backend is an authentication backend: something that knows whether a
// user/password pair is valid, and whether a user exists at all.
type Backend interface {
	Authenticate(user, password string) (bool, error)
	Exists(user string) (bool, error)
	Reload() error
}

// NoErrorBackend is a Backend that never needs to report errors, for
// backends simple enough (an in-memory map, a flat file) that plumbing an
// error return everywhere would only add noise. Wrap one with
// WrapNoErrorBackend to get a Backend.
type NoErrorBackend interface {
	Authenticate(user, password string) bool
	Exists(user string) bool
	Reload() error
}

// Authenticator dispatches AUTH PLAIN/LOGIN credentials to per-domain
// backends, with an optional fallback for identities that don't map to any
// registered domain.
type Authenticator struct {
	// Registered backends, map of domain (string) -> Backend.
	// Backend operations will _not_ include the domain in the username.
	backends map[string]Backend

	// Fallback backend, to use when backends[domain] (which may not exist)
	// did not yield a positive result.
	// Note that this backend gets the user with the domain included, of the
	// form "user@domain".
	Fallback Backend

	// How long Authenticate calls should last, approximately.
	// This will be applied both for successful and unsuccessful attempts,
	// to make basic timing attacks (distinguishing "no such user" from
	// "wrong password" by response latency) harder to mount.
	AuthDuration time.Duration
}

// NewAuthenticator returns an Authenticator with no backends registered and
// a default AuthDuration.
func NewAuthenticator() *Authenticator {
	return &Authenticator{
		backends:     map[string]Backend{},
		AuthDuration: 100 * time.Millisecond,
	}
}

// Register a backend to handle authentication for the given domain.
func (a *Authenticator) Register(domain string, be Backend) {
	a.backends[domain] = be
}

// Authenticate the user@domain with the given password.
func (a *Authenticator) Authenticate(user, domain, password string) (bool, error) {
	defer func(start time.Time) {
		elapsed := time.Since(start)
		delay := a.AuthDuration - elapsed
		if delay > 0 {
			maxDelta := int64(float64(delay) * 0.2)
			if maxDelta > 0 {
				delay += time.Duration(rand.Int63n(maxDelta))
			}
			time.Sleep(delay)
		}
	}(time.Now())

	if be, ok := a.backends[domain]; ok {
		ok, err := be.Authenticate(user, password)
		if ok || err != nil {
			return ok, err
		}
	}

	if a.Fallback != nil {
		return a.Fallback.Authenticate(user+"@"+domain, password)
	}

	return false, nil
}

// Exists reports whether user@domain is a known identity.
func (a *Authenticator) Exists(user, domain string) (bool, error) {
	if be, ok := a.backends[domain]; ok {
		ok, err := be.Exists(user)
		if ok || err != nil {
			return ok, err
		}
	}

	if a.Fallback != nil {
		return a.Fallback.Exists(user + "@" + domain)
	}

	return false, nil
}

// Reload the registered backends.
func (a *Authenticator) Reload() error {
	msgs := []string{}

	for domain, be := range a.backends {
		if err := be.Reload(); err != nil {
			msgs = append(msgs, fmt.Sprintf("%q: %v", domain, err))
		}
	}
	if a.Fallback != nil {
		if err := a.Fallback.Reload(); err != nil {
			msgs = append(msgs, fmt.Sprintf("<fallback>: %v", err))
		}
	}

	if len(msgs) > 0 {
		return errors.New(strings.Join(msgs, " ; "))
	}
	return nil
}

// DecodeResponse base64-decodes and splits a SASL PLAIN response itself,
// reducing the authzid/authnid pair down to a single "user@domain" identity
// and normalizing both pieces.
//
// It must be a base64-encoded string of the form:
//
//	<authorization id> NUL <authentication id> NUL <password>
//
// https://tools.ietf.org/html/rfc4954#section-4.1.
//
// Either both IDs match, or one of them is empty. We expect the identity to
// be "user@domain", which is NOT an RFC requirement but our own, matching
// the handler contract's (authzID, authnID, password) shape one level up.
func DecodeResponse(response string) (user, domain, passwd string, err error) {
	buf, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return
	}

	bufsp := bytes.SplitN(buf, []byte{0}, 3)
	if len(bufsp) != 3 {
		err = fmt.Errorf("response pieces != 3, as per RFC")
		return
	}

	identity := ""
	passwd = string(bufsp[2])

	{
		// We don't make the distinction between the two IDs, as long as one
		// is empty, or they're the same.
		z := string(bufsp[0])
		c := string(bufsp[1])

		if (z != "" && c != "") && (z != c) {
			err = fmt.Errorf("auth IDs do not match")
			return
		}

		if z != "" {
			identity = z
		}
		if c != "" {
			identity = c
		}
	}

	if identity == "" {
		err = fmt.Errorf("empty identity, must be in the form user@domain")
		return
	}

	idsp := strings.SplitN(identity, "@", 2)
	if len(idsp) != 2 {
		err = fmt.Errorf("identity must be in the form user@domain")
		return
	}

	user = idsp[0]
	domain = idsp[1]

	// Normalize the user and domain, so clients can write the username in
	// their own style and still log in. The domain goes through IDNA so it
	// compares equal to the domain HELO/MAIL normalization produced.
	user, err = normalize.User(user)
	if err != nil {
		return
	}
	domain, err = normalize.Domain(domain)
	if err != nil {
		return
	}

	return
}

// WrapNoErrorBackend wraps a NoErrorBackend, converting it into a Backend.
// This is normally used in Authenticator.Register calls.
func WrapNoErrorBackend(be NoErrorBackend) Backend {
	return &wrapNoErrorBackend{be}
}

type wrapNoErrorBackend struct {
	be NoErrorBackend
}

func (w *wrapNoErrorBackend) Authenticate(user, password string) (bool, error) {
	return w.be.Authenticate(user, password), nil
}

func (w *wrapNoErrorBackend) Exists(user string) (bool, error) {
	return w.be.Exists(user), nil
}

func (w *wrapNoErrorBackend) Reload() error {
	return w.be.Reload()
}

// MapBackend is a minimal in-memory NoErrorBackend, the reference backend
// cmd/posthornd registers for its demo domain: a map of user to password,
// with no persistence. Embedders wanting a real backend (a password file, an
// LDAP bind, a Dovecot auth proxy) implement Backend or NoErrorBackend
// themselves; this one exists so the engine is runnable out of the box.
type MapBackend struct {
	users map[string]string
}

// NewMapBackend returns an empty MapBackend.
func NewMapBackend() *MapBackend {
	return &MapBackend{users: map[string]string{}}
}

// AddUser registers user with the given plaintext password, overwriting any
// previous entry.
func (m *MapBackend) AddUser(user, password string) {
	m.users[user] = password
}

// Authenticate implements NoErrorBackend.
func (m *MapBackend) Authenticate(user, password string) bool {
	p, ok := m.users[user]
	return ok && p == password
}

// Exists implements NoErrorBackend.
func (m *MapBackend) Exists(user string) bool {
	_, ok := m.users[user]
	return ok
}

// Reload implements NoErrorBackend; MapBackend has nothing to reload.
func (m *MapBackend) Reload() error { return nil }
