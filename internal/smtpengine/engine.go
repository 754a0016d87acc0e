// Package smtpengine implements the SMTP session state machine, the
// session facade embedders drive, and the Handler callback contract.
//
// The state machine is encoded as a single tagged Phase plus a
// free-standing dispatcher, rather than one Go type per state: an earlier
// per-state design (mirroring the source's per-type states with a generic
// StateChange trait) collapsed under the combination of multiple dispatch
// and type-level auth gating. The flattened form here is both shorter and
// more exhaustively testable.
package smtpengine

import (
	"bytes"
	"encoding/base64"
	"io"
	"net"

	"github.com/posthorn/posthorn/internal/smtpcommand"
	"github.com/posthorn/posthorn/internal/smtpresponse"
)

// AuthMechanism identifies a SASL mechanism the embedder has enabled.
type AuthMechanism string

const (
	MechPlain AuthMechanism = "PLAIN"
	MechLogin AuthMechanism = "LOGIN"
)

// mechanismSet is a nil-safe set of configured mechanisms.
type mechanismSet map[AuthMechanism]bool

func newMechanismSet(mechs []AuthMechanism) mechanismSet {
	if len(mechs) == 0 {
		return nil
	}
	s := make(mechanismSet, len(mechs))
	for _, m := range mechs {
		s[m] = true
	}
	return s
}

func (s mechanismSet) has(m AuthMechanism) bool {
	return s != nil && s[m]
}

// TLSPosture tracks whether TLS is configured and/or active for a session.
type TLSPosture int

const (
	TLSUnavailable TLSPosture = iota
	TLSInactive
	TLSActive
)

// AuthPosture tracks whether authentication is required on this session.
type AuthPosture int

const (
	AuthUnavailable AuthPosture = iota
	AuthRequiresAuth
	AuthAuthenticated
)

// Config configures a new Session.
type Config struct {
	// Name is announced in the banner and EHLO response.
	Name string
	// TLSAvailable derives whether STARTTLS is ever advertised.
	TLSAvailable bool
	// AuthMechanisms, if non-empty, puts the session into AuthRequiresAuth
	// posture until a successful AUTH exchange completes.
	AuthMechanisms []AuthMechanism
}

type phaseKind int

const (
	pIdle phaseKind = iota
	pHello
	pHelloAuth
	pAuth
	pMail
	pRcpt
	pData
	pTerminal
)

type authChallenge struct {
	mechanism AuthMechanism
	// username holds the LOGIN username once given, while a password
	// continuation is still pending.
	username     string
	awaitingPass bool
}

type phase struct {
	kind        phaseKind
	domain      string
	reversePath string
	is8Bit      bool
	forwardPath []string
	challenge   authChallenge
	sink        io.WriteCloser
	sinkErrored bool
}

// Session is the embeddable facade wrapping the state machine and the
// handler contract.
type Session struct {
	name        string
	remoteIP    net.IP
	mechanisms  mechanismSet
	tlsPosture  TLSPosture
	authPosture AuthPosture
	phase       phase
	handler     Handler
}

// New creates a Session in the Idle phase.
func New(cfg Config, remoteIP net.IP, handler Handler) *Session {
	tp := TLSUnavailable
	if cfg.TLSAvailable {
		tp = TLSInactive
	}
	mechs := newMechanismSet(cfg.AuthMechanisms)
	ap := AuthUnavailable
	if len(mechs) > 0 {
		ap = AuthRequiresAuth
	}
	return &Session{
		name:        cfg.Name,
		remoteIP:    remoteIP,
		mechanisms:  mechs,
		tlsPosture:  tp,
		authPosture: ap,
		phase:       phase{kind: pIdle},
		handler:     handler,
	}
}

// Greeting returns the initial "220 <name> ESMTP" banner.
func (s *Session) Greeting() smtpresponse.Response {
	return smtpresponse.Fixed(220, s.name+" ESMTP")
}

// NotifyTLSActive is called by the embedder once the TLS handshake
// triggered by a prior UpgradeTLS response has completed. Per RFC 3207
// this discards any prior Hello state, requiring the client to re-HELO.
func (s *Session) NotifyTLSActive() {
	s.tlsPosture = TLSActive
	s.phase = phase{kind: pIdle}
}

// TLSPosture reports the current TLS posture.
func (s *Session) TLSPosture() TLSPosture { return s.tlsPosture }

// AuthPosture reports the current auth posture.
func (s *Session) AuthPosture() AuthPosture { return s.authPosture }

// Process parses and dispatches a single complete line, returning the
// Response to send. line must be exactly one CRLF-terminated client line
// (or, during DATA, one body line); line framing is the embedder's job.
func (s *Session) Process(line []byte) smtpresponse.Response {
	cmd, resp, isCmd := s.ProcessLine(line)
	if !isCmd {
		return resp
	}
	return s.Command(cmd)
}

// ProcessLine parses line into a Command, or produces a final Response
// directly (e.g. a syntax error) without needing Command to be called.
// The bool result reports which case occurred.
func (s *Session) ProcessLine(line []byte) (smtpcommand.Command, smtpresponse.Response, bool) {
	switch s.phase.kind {
	case pData:
		return s.processDataLine(line)
	case pAuth:
		return smtpcommand.ParseAuthResponse(string(line)), smtpresponse.Response{}, true
	default:
		cmd, err := smtpcommand.Parse(string(line))
		if err != nil {
			if pe, ok := err.(*smtpcommand.ParseError); ok && pe.Incomplete {
				return smtpcommand.Command{}, smtpresponse.Fixed(502, pe.Error()), false
			}
			return smtpcommand.Command{}, smtpresponse.Fixed(500, err.Error()), false
		}
		return cmd, smtpresponse.Response{}, true
	}
}

func (s *Session) processDataLine(line []byte) (smtpcommand.Command, smtpresponse.Response, bool) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if string(trimmed) == "." {
		return smtpcommand.Command{Kind: smtpcommand.DataEnd}, smtpresponse.Response{}, true
	}

	body := line
	if len(trimmed) > 0 && trimmed[0] == '.' {
		body = line[1:]
	}
	if s.phase.sink != nil && !s.phase.sinkErrored {
		if _, err := s.phase.sink.Write(body); err != nil {
			s.phase.sinkErrored = true
		}
	}
	return smtpcommand.Command{}, emptyResponse, false
}

// Command drives cmd through the state machine, returning the Response.
// QUIT always closes the session, regardless of phase, per RFC 5321.
func (s *Session) Command(cmd smtpcommand.Command) smtpresponse.Response {
	if s.phase.kind == pTerminal {
		return invalidState
	}
	if cmd.Kind == smtpcommand.Quit {
		s.phase = phase{kind: pTerminal}
		return goodbye
	}

	switch s.phase.kind {
	case pIdle:
		return s.idle(cmd)
	case pHello:
		return s.hello(cmd)
	case pHelloAuth:
		return s.helloAuth(cmd)
	case pAuth:
		return s.auth(cmd)
	case pMail:
		return s.mail(cmd)
	case pRcpt:
		return s.rcpt(cmd)
	case pData:
		return s.data(cmd)
	default:
		return invalidState
	}
}

func (s *Session) defaultHandler(cmd smtpcommand.Command) smtpresponse.Response {
	switch cmd.Kind {
	case smtpcommand.Helo:
		return s.handleHelo(cmd.Domain)
	case smtpcommand.Ehlo:
		return s.handleEhlo(cmd.Domain)
	default:
		return badSequenceCommands
	}
}

func (s *Session) handleHelo(domain string) smtpresponse.Response {
	if s.authPosture == AuthRequiresAuth {
		// RFC 4954: a server requiring auth should steer the client to
		// EHLO, since AUTH is only advertised there.
		return badHello
	}
	res := s.handler.Helo(s.remoteIP, domain)
	resp := heloResponse(res, s.name)
	if !resp.IsError {
		s.phase = phase{kind: pHello, domain: domain}
	}
	return resp
}

func (s *Session) handleEhlo(domain string) smtpresponse.Response {
	res := s.handler.Helo(s.remoteIP, domain)
	if res != HeloOk {
		return heloResponse(res, s.name)
	}

	lines := []string{"8BITMIME"}
	switch {
	case s.tlsPosture == TLSInactive:
		lines = append(lines, "STARTTLS")
	case s.tlsPosture == TLSActive:
		lines = append(lines, s.authExtensionLines()...)
	}
	resp := smtpresponse.Dynamic(250, s.name, lines...)

	if s.authPosture == AuthRequiresAuth {
		s.phase = phase{kind: pHelloAuth, domain: domain}
	} else {
		s.phase = phase{kind: pHello, domain: domain}
	}
	return resp
}

func (s *Session) authExtensionLines() []string {
	var lines []string
	if s.mechanisms.has(MechPlain) {
		lines = append(lines, "AUTH PLAIN")
	}
	if s.mechanisms.has(MechLogin) {
		lines = append(lines, "AUTH LOGIN")
	}
	return lines
}

func (s *Session) idle(cmd smtpcommand.Command) smtpresponse.Response {
	return s.defaultHandler(cmd)
}

func (s *Session) hello(cmd smtpcommand.Command) smtpresponse.Response {
	switch cmd.Kind {
	case smtpcommand.Mail:
		res := s.handler.Mail(s.remoteIP, s.phase.domain, cmd.ReversePath)
		resp := mailResponse(res)
		if !resp.IsError {
			s.phase = phase{
				kind:        pMail,
				domain:      s.phase.domain,
				reversePath: cmd.ReversePath,
				is8Bit:      cmd.Is8Bit,
			}
		}
		return resp
	case smtpcommand.StartTLS:
		if s.tlsPosture != TLSInactive {
			return badSequenceCommands
		}
		s.phase = phase{kind: pIdle}
		return startTLS()
	case smtpcommand.Vrfy:
		return verifyResponse
	case smtpcommand.Rset:
		return ok
	default:
		return s.defaultHandler(cmd)
	}
}

func (s *Session) helloAuth(cmd smtpcommand.Command) smtpresponse.Response {
	switch cmd.Kind {
	case smtpcommand.StartTLS:
		if s.tlsPosture != TLSInactive {
			return badSequenceCommands
		}
		s.phase = phase{kind: pIdle}
		return startTLS()
	case smtpcommand.Noop:
		return ok
	case smtpcommand.Rset:
		return ok
	case smtpcommand.AuthPlain:
		res := s.handler.AuthPlain(cmd.AuthzID, cmd.AuthnID, cmd.Password)
		return s.finishAuth(res)
	case smtpcommand.AuthPlainEmpty:
		s.phase.challenge = authChallenge{mechanism: MechPlain}
		s.phase.kind = pAuth
		return smtpresponse.Fixed(334, "")
	case smtpcommand.AuthLogin:
		// Initial response carries the base64 username directly.
		username, err := decodeBase64(cmd.Username)
		if err != nil {
			return smtpresponse.Fixed(535, "Invalid base64 response")
		}
		s.phase.challenge = authChallenge{mechanism: MechLogin, username: username, awaitingPass: true}
		s.phase.kind = pAuth
		return smtpresponse.Fixed(334, encodeBase64("Password:"))
	case smtpcommand.AuthLoginEmpty:
		s.phase.challenge = authChallenge{mechanism: MechLogin}
		s.phase.kind = pAuth
		return smtpresponse.Fixed(334, encodeBase64("Username:"))
	default:
		return s.defaultHandler(cmd)
	}
}

func (s *Session) auth(cmd smtpcommand.Command) smtpresponse.Response {
	if cmd.Kind != smtpcommand.AuthResponse {
		return badSequenceCommands
	}

	ch := s.phase.challenge
	switch ch.mechanism {
	case MechPlain:
		authz, authn, passwd, err := smtpcommand.DecodeSASLPlain(cmd.Raw)
		if err != nil {
			s.phase.kind = pHelloAuth
			return smtpresponse.Fixed(535, "Invalid base64 response")
		}
		res := s.handler.AuthPlain(authz, authn, passwd)
		return s.finishAuth(res)

	case MechLogin:
		value, err := decodeBase64(cmd.Raw)
		if err != nil {
			s.phase.kind = pHelloAuth
			return smtpresponse.Fixed(535, "Invalid base64 response")
		}
		if !ch.awaitingPass {
			s.phase.challenge = authChallenge{mechanism: MechLogin, username: value, awaitingPass: true}
			return smtpresponse.Fixed(334, encodeBase64("Password:"))
		}
		res := s.handler.AuthLogin(ch.username, value)
		return s.finishAuth(res)

	default:
		return invalidState
	}
}

func (s *Session) finishAuth(res AuthResult) smtpresponse.Response {
	domain := s.phase.domain
	if res == AuthOk {
		s.authPosture = AuthAuthenticated
		s.phase = phase{kind: pHello, domain: domain}
	} else {
		s.phase = phase{kind: pHelloAuth, domain: domain}
	}
	return authResponse(res, 235, "Authentication successful")
}

func (s *Session) mail(cmd smtpcommand.Command) smtpresponse.Response {
	switch cmd.Kind {
	case smtpcommand.Rcpt:
		res := s.handler.Rcpt(cmd.ForwardPath)
		resp := rcptResponse(res)
		if !resp.IsError {
			s.phase = phase{
				kind:        pRcpt,
				domain:      s.phase.domain,
				reversePath: s.phase.reversePath,
				is8Bit:      s.phase.is8Bit,
				forwardPath: []string{cmd.ForwardPath},
			}
		}
		return resp
	case smtpcommand.Rset:
		s.phase = phase{kind: pHello, domain: s.phase.domain}
		return ok
	default:
		return s.defaultHandler(cmd)
	}
}

func (s *Session) rcpt(cmd smtpcommand.Command) smtpresponse.Response {
	switch cmd.Kind {
	case smtpcommand.Rcpt:
		res := s.handler.Rcpt(cmd.ForwardPath)
		resp := rcptResponse(res)
		if !resp.IsError {
			s.phase.forwardPath = append(append([]string{}, s.phase.forwardPath...), cmd.ForwardPath)
		}
		return resp
	case smtpcommand.Data:
		sink, res := s.handler.Data(s.phase.domain, s.phase.reversePath, s.phase.is8Bit, s.phase.forwardPath)
		resp := dataOpenResponse(res)
		if !resp.IsError {
			s.phase.kind = pData
			s.phase.sink = sink
			s.phase.sinkErrored = false
		}
		return resp
	case smtpcommand.Rset:
		s.phase = phase{kind: pHello, domain: s.phase.domain}
		return ok
	default:
		return s.defaultHandler(cmd)
	}
}

func (s *Session) data(cmd smtpcommand.Command) smtpresponse.Response {
	if cmd.Kind != smtpcommand.DataEnd {
		return badSequenceCommands
	}

	sinkErrored := s.phase.sinkErrored
	if s.phase.sink != nil {
		if err := s.phase.sink.Close(); err != nil {
			sinkErrored = true
		}
	}
	domain := s.phase.domain
	s.phase = phase{kind: pHello, domain: domain}

	if sinkErrored {
		return transactionFailed
	}
	return ok
}

func decodeBase64(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func encodeBase64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
