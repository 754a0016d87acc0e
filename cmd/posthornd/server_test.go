package main

import (
	"net"
	"net/smtp"
	"testing"

	"github.com/posthorn/posthorn/internal/config"
	"github.com/posthorn/posthorn/internal/testlib"
)

func mustServer(t *testing.T, conf *config.Config) net.Listener {
	s, err := newServer(conf)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.serve(l)
	return l
}

func TestSimpleEmail(t *testing.T) {
	conf := &config.Config{
		Hostname:        "posthorn.test",
		MaxDataSizeMB:   1,
		AcceptedDomains: []string{"example.com"},
	}
	l := mustServer(t, conf)
	defer l.Close()

	c, err := smtp.Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Hello("client.example.com"); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if err := c.Mail("from@example.com"); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := c.Rcpt("to@example.com"); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}

	w, err := c.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if _, err := w.Write([]byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Data write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Data close: %v", err)
	}

	if err := c.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}
}

func TestRcptBeforeMailRejected(t *testing.T) {
	conf := &config.Config{Hostname: "posthorn.test", MaxDataSizeMB: 1}
	l := mustServer(t, conf)
	defer l.Close()

	c, err := smtp.Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Hello("client.example.com"); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if err := c.Rcpt("to@example.com"); err == nil {
		t.Errorf("RCPT before MAIL should be rejected")
	}
}

func TestRcptToUnacceptedDomainRejected(t *testing.T) {
	conf := &config.Config{
		Hostname:        "posthorn.test",
		MaxDataSizeMB:   1,
		AcceptedDomains: []string{"posthorn.test"},
	}
	l := mustServer(t, conf)
	defer l.Close()

	c, err := smtp.Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Hello("client.example.com"); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if err := c.Mail("from@example.com"); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := c.Rcpt("someone@not-accepted.example.com"); err == nil {
		t.Errorf("RCPT to an unaccepted domain should be rejected")
	}
}

func TestSTARTTLSAndAuth(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	clientTLSConfig, err := testlib.GenerateCert(dir)
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}

	conf := &config.Config{
		Hostname:       "posthorn.test",
		MaxDataSizeMB:  1,
		TLSCertFile:    dir + "/cert.pem",
		TLSKeyFile:     dir + "/key.pem",
		AuthMechanisms: []string{"PLAIN"},
	}
	l := mustServer(t, conf)
	defer l.Close()

	c, err := smtp.Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Hello("client.example.com"); err != nil {
		t.Fatalf("Hello: %v", err)
	}

	if ok, _ := c.Extension("STARTTLS"); !ok {
		t.Fatalf("STARTTLS not advertised")
	}
	if err := c.StartTLS(clientTLSConfig); err != nil {
		t.Fatalf("StartTLS: %v", err)
	}

	auth := smtp.PlainAuth("", "demo", "demo", "127.0.0.1")
	if err := c.Auth(auth); err != nil {
		t.Fatalf("Auth: %v", err)
	}

	// Send a message over the upgraded connection, exercising the
	// Received-header TLS clause on a *tls.Conn rather than a plaintext one.
	if err := c.Mail("from@example.com"); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := c.Rcpt("to@posthorn.test"); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if _, err := w.Write([]byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Data write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Data close: %v", err)
	}
}

func TestCrossProtocolProbeCloses(t *testing.T) {
	conf := &config.Config{Hostname: "posthorn.test", MaxDataSizeMB: 1}
	l := mustServer(t, conf)
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 128)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("reading greeting: %v", err)
	}

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if got := string(buf[:n]); got[:3] != "502" {
		t.Errorf("cross-protocol probe response = %q, want a 502", got)
	}
}
