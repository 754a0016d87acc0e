// Package chain provides the Received-header synthesis and loop-detection
// helper a handler's data() callback can use once a message has been fully
// read off the wire: posthorn's engine never touches message bodies itself,
// so this is opt-in infrastructure rather than something wired into
// internal/smtpengine.
package chain

import (
	"bytes"
	"fmt"
	"net"
	"net/mail"
	"strings"
	"time"

	"github.com/posthorn/posthorn/internal/envelope"
	"github.com/posthorn/posthorn/internal/tlsconst"
)

// DefaultMaxReceivedHeaders is the loop-detection threshold CheckLoop uses
// when called with max <= 0.
const DefaultMaxReceivedHeaders = 100

// Info carries the per-message facts AddReceivedHeader needs to synthesize
// an RFC 5321 §4.4 Received trace header. It is built from whatever the
// embedder's engine.Handler tracked over the session: remote address, HELO
// name, TLS state, and so on.
type Info struct {
	// Hostname is this server's own identity, used in the "by" clause.
	Hostname string

	// RemoteAddr is the client's network address. Must be a *net.TCPAddr to
	// render an RFC 5321 §4.1.3 address literal; anything else falls back
	// to its String() form.
	RemoteAddr net.Addr

	// EHLOName is the domain the client gave in HELO/EHLO.
	EHLOName string

	// ESMTP is true if the client spoke EHLO rather than HELO.
	ESMTP bool

	// TLS is the connection's TLS state, or nil for a plaintext session.
	TLS *TLSState

	// Authenticated is true if the client completed SASL authentication.
	// Authenticated sessions show only the EHLO name, not the network
	// address, in the "from" clause.
	Authenticated bool

	// Mode is a short label for the listener the connection came in on,
	// e.g. "smtp", "submission", "submissions".
	Mode string

	// MailFrom is the envelope reverse-path.
	MailFrom string
}

// TLSState is the subset of tls.ConnectionState this package renders.
type TLSState struct {
	Version     uint16
	CipherSuite uint16
}

// AddReceivedHeader prepends a Received header to data, returning the new
// message bytes. data is not modified in place. A Received-SPF header is
// added separately, by AddReceivedSPFHeader.
func AddReceivedHeader(data []byte, info Info, now time.Time) []byte {
	var v string

	if info.Authenticated {
		v += fmt.Sprintf("from %s\n", info.EHLOName)
	} else {
		v += fmt.Sprintf("from [%s] (%s)\n", addrLiteral(info.RemoteAddr), info.EHLOName)
	}

	v += fmt.Sprintf("by %s (posthorn) ", info.Hostname)

	with := "SMTP"
	if info.ESMTP {
		with = "ESMTP"
	}
	if info.TLS != nil {
		with += "S"
	}
	if info.Authenticated {
		with += "A"
	}
	v += fmt.Sprintf("with %s\n", with)

	if info.TLS != nil {
		v += fmt.Sprintf("tls %s\n", tlsconst.CipherSuiteName(info.TLS.CipherSuite))
	}

	mode := info.Mode
	if mode == "" {
		mode = "smtp"
	}
	v += fmt.Sprintf("(over %s, ", mode)
	if info.TLS != nil {
		v += fmt.Sprintf("%s, ", tlsconst.VersionName(info.TLS.Version))
	} else {
		v += "plain text!, "
	}

	// We must NOT include the rcpt-to list here: that would leak BCCs.
	v += fmt.Sprintf("envelope from %q)\n", info.MailFrom)

	// This must be the last part of the header, per RFC 5322 §3.6.7; the
	// ";" separator is mandatory.
	v += fmt.Sprintf("; %s\n", now.Format(time.RFC1123Z))

	return envelope.AddHeader(data, "Received", v)
}

// AddReceivedSPFHeader prepends a Received-SPF header, per RFC 7208 §9.1.
func AddReceivedSPFHeader(data []byte, result, explanation string) []byte {
	v := fmt.Sprintf("%s (%v)", result, explanation)
	return envelope.AddHeader(data, "Received-SPF", v)
}

// CheckLoop performs a cheap loop-detection check on a fully-received
// message: it parses the headers and rejects the message if it already
// carries more than max Received headers, a strong signal of a mail loop.
// max <= 0 uses DefaultMaxReceivedHeaders. It does not otherwise validate
// the structure of the message.
func CheckLoop(data []byte, max int) error {
	if max <= 0 {
		max = DefaultMaxReceivedHeaders
	}

	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("5.6.0 error parsing message: %v", err)
	}

	if len(msg.Header["Received"]) > max {
		return fmt.Errorf("5.4.6 loop detected (%d hops)", len(msg.Header["Received"]))
	}

	return nil
}

// addrLiteral renders addr as an RFC 5321 §4.1.3 address literal.
func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		if addr == nil {
			return "unknown"
		}
		return addr.String()
	}

	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}
	return s
}
