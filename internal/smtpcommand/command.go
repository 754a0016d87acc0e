// Package smtpcommand parses a single CRLF-terminated client line into a
// typed Command, or a typed parse error mapped to a syntax response.
package smtpcommand

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Kind identifies which SMTP (or synthetic) command a Command carries.
type Kind int

// The full set of commands the engine understands, including the
// synthetic ones (AuthResponse, DataEnd, StartedTLS) that never come
// directly off the wire but are injected by the session driver.
const (
	Unknown Kind = iota
	Helo
	Ehlo
	Mail
	Rcpt
	Data
	Rset
	Noop
	StartTLS
	Quit
	Vrfy
	AuthPlain
	AuthPlainEmpty
	AuthLogin
	AuthLoginEmpty
	AuthResponse
	DataEnd
	StartedTLS
)

func (k Kind) String() string {
	switch k {
	case Helo:
		return "HELO"
	case Ehlo:
		return "EHLO"
	case Mail:
		return "MAIL"
	case Rcpt:
		return "RCPT"
	case Data:
		return "DATA"
	case Rset:
		return "RSET"
	case Noop:
		return "NOOP"
	case StartTLS:
		return "STARTTLS"
	case Quit:
		return "QUIT"
	case Vrfy:
		return "VRFY"
	case AuthPlain, AuthPlainEmpty, AuthLogin, AuthLoginEmpty:
		return "AUTH"
	case AuthResponse:
		return "<auth-response>"
	case DataEnd:
		return "<data-end>"
	case StartedTLS:
		return "<started-tls>"
	default:
		return "<unknown>"
	}
}

// Command is the tagged union produced by Parse. Only the fields relevant
// to Kind are populated.
type Command struct {
	Kind Kind

	// Helo, Ehlo
	Domain string

	// Mail
	ReversePath string
	Is8Bit      bool

	// Rcpt
	ForwardPath string

	// AuthPlain (initial response already decoded)
	AuthzID  string
	AuthnID  string
	Password string

	// AuthLogin (initial response, if any; empty means none was given)
	Username string

	// AuthResponse: the raw base64 continuation line, undecoded.
	Raw string
}

// ParseError is returned for lines that cannot be turned into a Command.
// Incomplete indicates the line was missing a required argument (mapped to
// 502); otherwise the line is malformed (mapped to 500).
type ParseError struct {
	Incomplete bool
	msg        string
}

func (e *ParseError) Error() string { return e.msg }

func errSyntax(format string, a ...interface{}) error {
	return &ParseError{msg: fmt.Sprintf(format, a...)}
}

func errIncomplete(format string, a ...interface{}) error {
	return &ParseError{Incomplete: true, msg: fmt.Sprintf(format, a...)}
}

// Parse parses one complete line (CRLF already stripped, or present — both
// are accepted) into a Command.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")

	verb, rest := splitVerb(line)
	if verb == "" {
		return Command{}, errSyntax("empty command")
	}

	switch strings.ToUpper(verb) {
	case "HELO":
		return parseHelo(rest, Helo)
	case "EHLO":
		return parseHelo(rest, Ehlo)
	case "MAIL":
		return parseMail(rest)
	case "RCPT":
		return parseRcpt(rest)
	case "DATA":
		return requireNoArgs(rest, Command{Kind: Data})
	case "RSET":
		return requireNoArgs(rest, Command{Kind: Rset})
	case "NOOP":
		return Command{Kind: Noop}, nil
	case "STARTTLS":
		return requireNoArgs(rest, Command{Kind: StartTLS})
	case "QUIT":
		return requireNoArgs(rest, Command{Kind: Quit})
	case "VRFY":
		return Command{Kind: Vrfy}, nil
	case "AUTH":
		return parseAuth(rest)
	default:
		return Command{}, errSyntax("unknown command %q", verb)
	}
}

// ParseAuthResponse parses a SASL continuation line: the raw (still
// base64-encoded) bytes the client sent in response to a 334 challenge.
func ParseAuthResponse(line string) Command {
	line = strings.TrimRight(line, "\r\n")
	return Command{Kind: AuthResponse, Raw: line}
}

func splitVerb(line string) (verb, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimPrefix(line[i+1:], "")
}

func requireNoArgs(rest string, cmd Command) (Command, error) {
	if strings.TrimSpace(rest) != "" {
		return Command{}, errSyntax("%s takes no arguments", cmd.Kind)
	}
	return cmd, nil
}

func parseHelo(rest string, kind Kind) (Command, error) {
	domain := strings.TrimSpace(rest)
	if domain == "" {
		return Command{}, errIncomplete("missing domain argument")
	}
	return Command{Kind: kind, Domain: domain}, nil
}

// parseMail handles "MAIL FROM:<addr>" with an optional space after the
// colon and an optional trailing " BODY=8BITMIME"/" BODY=7BIT" parameter,
// both observed in the wild and required by real clients even though
// strict RFC 5321 grammar does not mention the lenient colon spacing.
func parseMail(rest string) (Command, error) {
	kw, arg, ok := splitKeywordColon(rest, "FROM")
	if !ok {
		return Command{}, errSyntax("expected FROM:<path>, got %q", rest)
	}
	_ = kw

	path, tail, err := takeAngleOrBareAddr(arg)
	if err != nil {
		return Command{}, err
	}

	is8bit := false
	tail = strings.TrimSpace(tail)
	if tail != "" {
		switch strings.ToUpper(tail) {
		case "BODY=8BITMIME":
			is8bit = true
		case "BODY=7BIT":
			is8bit = false
		default:
			return Command{}, errSyntax("unsupported MAIL parameter %q", tail)
		}
	}

	return Command{Kind: Mail, ReversePath: path, Is8Bit: is8bit}, nil
}

func parseRcpt(rest string) (Command, error) {
	_, arg, ok := splitKeywordColon(rest, "TO")
	if !ok {
		return Command{}, errSyntax("expected TO:<path>, got %q", rest)
	}
	path, tail, err := takeAngleOrBareAddr(arg)
	if err != nil {
		return Command{}, err
	}
	if strings.TrimSpace(tail) != "" {
		return Command{}, errSyntax("unexpected RCPT parameter %q", tail)
	}
	return Command{Kind: Rcpt, ForwardPath: path}, nil
}

// splitKeywordColon splits "FROM:<rest...>" (or "FROM: <rest...>") where
// keyword is matched case-insensitively, returning the matched keyword and
// whatever follows the colon (and any single extra space).
func splitKeywordColon(s, keyword string) (kw, arg string, ok bool) {
	if len(s) < len(keyword) || !strings.EqualFold(s[:len(keyword)], keyword) {
		return "", "", false
	}
	s = s[len(keyword):]
	if !strings.HasPrefix(s, ":") {
		return "", "", false
	}
	s = s[1:]
	s = strings.TrimPrefix(s, " ")
	return keyword, s, true
}

// takeAngleOrBareAddr consumes a "<path>" token (or a bare path with no
// angle brackets, also observed from lenient clients) from the front of s,
// returning the path and whatever follows.
func takeAngleOrBareAddr(s string) (path, rest string, err error) {
	if strings.HasPrefix(s, "<") {
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return "", "", errSyntax("unterminated address")
		}
		return s[1:end], strings.TrimSpace(s[end+1:]), nil
	}
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		if s == "" {
			return "", "", errIncomplete("missing address")
		}
		return s, "", nil
	}
	return s[:i], s[i+1:], nil
}

func parseAuth(rest string) (Command, error) {
	mech, arg := splitVerb(rest)
	if mech == "" {
		return Command{}, errIncomplete("missing AUTH mechanism")
	}
	arg = strings.TrimSpace(arg)

	switch strings.ToUpper(mech) {
	case "PLAIN":
		if arg == "" {
			return Command{Kind: AuthPlainEmpty}, nil
		}
		authz, authn, passwd, err := decodeSASLPlain(arg)
		if err != nil {
			return Command{}, errSyntax("invalid AUTH PLAIN response: %v", err)
		}
		return Command{Kind: AuthPlain, AuthzID: authz, AuthnID: authn, Password: passwd}, nil
	case "LOGIN":
		if arg == "" {
			return Command{Kind: AuthLoginEmpty}, nil
		}
		return Command{Kind: AuthLogin, Username: arg}, nil
	default:
		return Command{}, errSyntax("unsupported AUTH mechanism %q", mech)
	}
}

// DecodeSASLPlain decodes a base64 SASL PLAIN token into its three NUL
// separated fields (authzid, authnid, password), per RFC 4954/4616. It is
// exported so the engine's Auth phase can apply it to the raw continuation
// line gathered after a 334 challenge.
func DecodeSASLPlain(token string) (authzID, authnID, password string, err error) {
	return decodeSASLPlain(token)
}

func decodeSASLPlain(token string) (authzID, authnID, password string, err error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid base64: %v", err)
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("expected 3 NUL-separated fields, got %d", len(parts))
	}
	return parts[0], parts[1], parts[2], nil
}
