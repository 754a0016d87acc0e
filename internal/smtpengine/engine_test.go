package smtpengine

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/posthorn/posthorn/internal/smtpresponse"
)

type recordingHandler struct {
	NopHandler
	sink        *bytes.Buffer
	authzID     string
	authnID     string
	password    string
	loginUser   string
	loginPass   string
	wantPlain   bool
	wantLoginOk bool
}

func (h *recordingHandler) Data(string, string, bool, []string) (io.WriteCloser, DataResult) {
	h.sink = &bytes.Buffer{}
	return nopCloser{h.sink}, DataOk
}

func (h *recordingHandler) AuthPlain(authzID, authnID, password string) AuthResult {
	if h.wantPlain && authnID == h.authnID && password == h.password {
		return AuthOk
	}
	return AuthInvalidCredentials
}

func (h *recordingHandler) AuthLogin(username, password string) AuthResult {
	if h.wantLoginOk && username == h.loginUser && password == h.loginPass {
		return AuthOk
	}
	return AuthInvalidCredentials
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func send(t *testing.T, s *Session, line string) string {
	t.Helper()
	return s.Process([]byte(line)).String()
}

func TestHappyPathNoAuthNoTLS(t *testing.T) {
	h := &recordingHandler{}
	s := New(Config{Name: "mx.example.org"}, net.ParseIP("192.0.2.1"), h)

	if got, want := send(t, s, "HELO a.domain\r\n"), "250 mx.example.org\r\n"; got != want {
		t.Errorf("HELO = %q, want %q", got, want)
	}
	if got := send(t, s, "MAIL FROM:<ship@sea.com>\r\n"); got != "250 Ok\r\n" {
		t.Errorf("MAIL = %q", got)
	}
	if got := send(t, s, "RCPT TO:<fish@sea.com>\r\n"); got != "250 Ok\r\n" {
		t.Errorf("RCPT = %q", got)
	}
	if got := send(t, s, "DATA\r\n"); got != "354 Start mail input; end with <CRLF>.<CRLF>\r\n" {
		t.Errorf("DATA = %q", got)
	}

	resp := s.Process([]byte("Hello World\r\n"))
	if !resp.IsEmpty() {
		t.Errorf("body line produced a reply: %q", resp.String())
	}

	if got := send(t, s, ".\r\n"); got != "250 Ok\r\n" {
		t.Errorf(". = %q", got)
	}
	if h.sink.String() != "Hello World\r\n" {
		t.Errorf("sink = %q, want %q", h.sink.String(), "Hello World\r\n")
	}

	resp = s.Process([]byte("QUIT\r\n"))
	if resp.String() != "221 Goodbye\r\n" {
		t.Errorf("QUIT = %q", resp.String())
	}
	if resp.Action != smtpresponse.Close {
		t.Errorf("QUIT action = %v, want Close", resp.Action)
	}
}

func TestEhloAdvertisesExtensionsNoTLS(t *testing.T) {
	h := &recordingHandler{}
	s := New(Config{Name: "mx.example.org"}, net.ParseIP("192.0.2.1"), h)

	got := send(t, s, "EHLO b.domain\r\n")
	want := "250-mx.example.org\r\n250 8BITMIME\r\n"
	if got != want {
		t.Errorf("EHLO (no TLS configured) = %q, want %q", got, want)
	}
}

func TestStartTLSFlow(t *testing.T) {
	h := &recordingHandler{}
	s := New(Config{Name: "x", TLSAvailable: true, AuthMechanisms: []AuthMechanism{MechPlain}}, net.ParseIP("192.0.2.1"), h)

	got := send(t, s, "EHLO x\r\n")
	want := "250-x\r\n250-8BITMIME\r\n250 STARTTLS\r\n"
	if got != want {
		t.Errorf("pre-TLS EHLO = %q, want %q", got, want)
	}

	resp := s.Process([]byte("STARTTLS\r\n"))
	if resp.String() != "220 Ready to start TLS\r\n" {
		t.Errorf("STARTTLS = %q", resp.String())
	}
	if resp.Action != smtpresponse.UpgradeTLS {
		t.Errorf("STARTTLS action = %v, want UpgradeTLS", resp.Action)
	}

	s.NotifyTLSActive()

	got = send(t, s, "EHLO x\r\n")
	want = "250-x\r\n250-8BITMIME\r\n250 AUTH PLAIN\r\n"
	if got != want {
		t.Errorf("post-TLS EHLO = %q, want %q", got, want)
	}
}

func TestAuthPlainWithInitialResponse(t *testing.T) {
	h := &recordingHandler{wantPlain: true, authnID: "test", password: "1234"}
	s := New(Config{Name: "x", TLSAvailable: true, AuthMechanisms: []AuthMechanism{MechPlain}}, net.ParseIP("192.0.2.1"), h)
	s.NotifyTLSActive()
	send(t, s, "EHLO x\r\n")

	// base64("\0test\x001234")
	got := send(t, s, "AUTH PLAIN AHRlc3QAMTIzNA==\r\n")
	if got != "235 Authentication successful\r\n" {
		t.Fatalf("AUTH PLAIN (good creds) = %q", got)
	}

	// Bad credentials as an initial response, on a fresh session: once
	// authenticated, a session no longer accepts AUTH.
	s = New(Config{Name: "x", TLSAvailable: true, AuthMechanisms: []AuthMechanism{MechPlain}}, net.ParseIP("192.0.2.1"), h)
	s.NotifyTLSActive()
	send(t, s, "EHLO x\r\n")
	got = send(t, s, "AUTH PLAIN AHh4eAB4eHg=\r\n")
	if got != "535 Authentication credentials invalid\r\n" {
		t.Fatalf("AUTH PLAIN (bad creds) = %q", got)
	}
}

func TestAuthPlainChallengeResponse(t *testing.T) {
	h := &recordingHandler{wantPlain: true, authnID: "test", password: "1234"}
	s := New(Config{Name: "x", TLSAvailable: true, AuthMechanisms: []AuthMechanism{MechPlain}}, net.ParseIP("192.0.2.1"), h)
	s.NotifyTLSActive()
	send(t, s, "EHLO x\r\n")

	got := send(t, s, "AUTH PLAIN\r\n")
	if got != "334 \r\n" {
		t.Fatalf("AUTH PLAIN (empty) = %q", got)
	}

	got = send(t, s, "AHRlc3QAMTIzNA==\r\n")
	if got != "235 Authentication successful\r\n" {
		t.Fatalf("challenge response = %q", got)
	}
}

func TestAuthLoginFlow(t *testing.T) {
	h := &recordingHandler{wantLoginOk: true, loginUser: "alice", loginPass: "wonderland"}
	s := New(Config{Name: "x", TLSAvailable: true, AuthMechanisms: []AuthMechanism{MechLogin}}, net.ParseIP("192.0.2.1"), h)
	s.NotifyTLSActive()
	send(t, s, "EHLO x\r\n")

	got := send(t, s, "AUTH LOGIN\r\n")
	if got != "334 VXNlcm5hbWU6\r\n" {
		t.Fatalf("AUTH LOGIN = %q", got)
	}
	got = send(t, s, "YWxpY2U=\r\n") // base64("alice")
	if got != "334 UGFzc3dvcmQ6\r\n" {
		t.Fatalf("username response = %q", got)
	}
	got = send(t, s, "d29uZGVybGFuZA==\r\n") // base64("wonderland")
	if got != "235 Authentication successful\r\n" {
		t.Fatalf("password response = %q", got)
	}
}

func TestDotStuffing(t *testing.T) {
	h := &recordingHandler{}
	s := New(Config{Name: "x"}, net.ParseIP("192.0.2.1"), h)
	send(t, s, "HELO a\r\n")
	send(t, s, "MAIL FROM:<a@b.com>\r\n")
	send(t, s, "RCPT TO:<c@d.com>\r\n")
	send(t, s, "DATA\r\n")
	s.Process([]byte("..a line\r\n"))
	got := send(t, s, ".\r\n")
	if got != "250 Ok\r\n" {
		t.Fatalf(". = %q", got)
	}
	if h.sink.String() != ".a line\r\n" {
		t.Errorf("sink = %q, want %q", h.sink.String(), ".a line\r\n")
	}
}

func TestRequiresAuthGatesMailBeforeAuthentication(t *testing.T) {
	h := &recordingHandler{}
	s := New(Config{Name: "x", TLSAvailable: true, AuthMechanisms: []AuthMechanism{MechPlain}}, net.ParseIP("192.0.2.1"), h)
	s.NotifyTLSActive()
	send(t, s, "EHLO x\r\n")

	got := send(t, s, "MAIL FROM:<a@b.com>\r\n")
	if got != "503 Bad sequence of commands\r\n" {
		t.Errorf("MAIL before auth = %q, want Bad sequence", got)
	}
}

func TestRepeatedMailFromIsRejected(t *testing.T) {
	h := &recordingHandler{}
	s := New(Config{Name: "x"}, net.ParseIP("192.0.2.1"), h)
	send(t, s, "HELO a\r\n")
	send(t, s, "MAIL FROM:<a@b.com>\r\n")

	got := send(t, s, "MAIL FROM:<a@b.com>\r\n")
	if got != "503 Bad sequence of commands\r\n" {
		t.Errorf("repeated MAIL FROM = %q, want Bad sequence", got)
	}
}

func TestDataSinkErrorYieldsTransactionFailed(t *testing.T) {
	h := &failingDataHandler{}
	s := New(Config{Name: "x"}, net.ParseIP("192.0.2.1"), h)
	send(t, s, "HELO a\r\n")
	send(t, s, "MAIL FROM:<a@b.com>\r\n")
	send(t, s, "RCPT TO:<c@d.com>\r\n")
	send(t, s, "DATA\r\n")
	s.Process([]byte("some body\r\n"))

	got := send(t, s, ".\r\n")
	if got != "554 Transaction failed\r\n" {
		t.Errorf(". after sink error = %q, want 554", got)
	}

	// The phase still returns to Hello: a further MAIL should be accepted.
	got = send(t, s, "MAIL FROM:<a@b.com>\r\n")
	if got != "250 Ok\r\n" {
		t.Errorf("MAIL after failed DATA = %q", got)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (failingWriter) Close() error              { return nil }

type failingDataHandler struct {
	NopHandler
}

func (failingDataHandler) Data(string, string, bool, []string) (io.WriteCloser, DataResult) {
	return failingWriter{}, DataOk
}

func TestDataSinkCloseErrorYieldsTransactionFailed(t *testing.T) {
	h := &closeFailingDataHandler{}
	s := New(Config{Name: "x"}, net.ParseIP("192.0.2.1"), h)
	send(t, s, "HELO a\r\n")
	send(t, s, "MAIL FROM:<a@b.com>\r\n")
	send(t, s, "RCPT TO:<c@d.com>\r\n")
	send(t, s, "DATA\r\n")
	s.Process([]byte("some body\r\n"))

	got := send(t, s, ".\r\n")
	if got != "554 Transaction failed\r\n" {
		t.Errorf(". after sink close error = %q, want 554", got)
	}

	// The phase still returns to Hello: a further MAIL should be accepted.
	got = send(t, s, "MAIL FROM:<a@b.com>\r\n")
	if got != "250 Ok\r\n" {
		t.Errorf("MAIL after failed DATA = %q", got)
	}
}

type closeFailingWriter struct{}

func (closeFailingWriter) Write([]byte) (int, error) { return 0, nil }
func (closeFailingWriter) Close() error              { return io.ErrClosedPipe }

type closeFailingDataHandler struct {
	NopHandler
}

func (closeFailingDataHandler) Data(string, string, bool, []string) (io.WriteCloser, DataResult) {
	return closeFailingWriter{}, DataOk
}
