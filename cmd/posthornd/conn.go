package main

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"time"

	"github.com/posthorn/posthorn/internal/smtpengine"
	"github.com/posthorn/posthorn/internal/smtpresponse"
	"github.com/posthorn/posthorn/internal/tlsconst"
	"github.com/posthorn/posthorn/internal/trace"
)

// maxProtocolErrors closes the connection after this many error responses,
// to make cross-protocol attacks (e.g. a browser mistakenly pointed at an
// SMTP port) and other abusive clients cheap to shed.
const maxProtocolErrors = 3

func (s *server) handleConn(conn net.Conn) {
	connectionsAccepted.Add(1)
	defer conn.Close()

	tr := trace.NewSession(conn.RemoteAddr().String())
	defer tr.Finish()
	tr.Debugf("connected")

	remoteIP := hostIP(conn.RemoteAddr())

	h := &handler{
		srv:      s,
		tr:       tr,
		remoteIP: remoteIP,
		conn:     conn,
	}

	session := smtpengine.New(smtpengine.Config{
		Name:           s.conf.Hostname,
		TLSAvailable:   s.tlsConfig != nil,
		AuthMechanisms: s.mechanisms,
	}, remoteIP, h)

	deadline := time.Now().Add(connTimeout)
	conn.SetDeadline(time.Now().Add(commandTimeout))

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	write := func(resp smtpresponse.Response) error {
		if err := resp.WriteTo(writer); err != nil {
			return err
		}
		return writer.Flush()
	}

	if err := write(session.Greeting()); err != nil {
		tr.Errorf("writing greeting: %v", err)
		return
	}

	errCount := 0
	firstLine := true
	for {
		if time.Since(deadline) > 0 {
			tr.Errorf("connection deadline exceeded")
			return
		}

		conn.SetDeadline(time.Now().Add(commandTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				tr.Errorf("reading command: %v", err)
			} else {
				tr.Debugf("client closed the connection")
			}
			return
		}

		if firstLine && looksLikeOtherProtocol(line) {
			tr.Errorf("cross-protocol probe, closing: %q", strings.TrimSpace(line))
			write(smtpresponse.CloseWith(502, "5.7.0 This port speaks SMTP, not HTTP"))
			return
		}
		firstLine = false

		resp := session.Process([]byte(line))
		if resp.IsEmpty() {
			continue
		}

		if err := write(resp); err != nil {
			tr.Errorf("writing response: %v", err)
			return
		}

		switch resp.Action {
		case smtpresponse.Close:
			return
		case smtpresponse.UpgradeTLS:
			tlsConn := tls.Server(conn, s.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				tr.Errorf("TLS handshake: %v", err)
				return
			}
			conn = tlsConn
			h.conn = tlsConn
			reader = bufio.NewReader(conn)
			writer = bufio.NewWriter(conn)
			session.NotifyTLSActive()
			tr.Debugf("TLS active: %s", tlsconst.VersionName(tlsConn.ConnectionState().Version))
		}

		if resp.IsError {
			errCount++
			if errCount >= maxProtocolErrors {
				tr.Errorf("too many errors, closing connection")
				write(smtpresponse.CloseWith(421, "4.5.0 Too many errors, bye"))
				return
			}
		}
	}
}

// looksLikeOtherProtocol reports whether line's first word is a verb from
// another text protocol entirely (HTTP, mostly), a sign the client
// connected to the wrong port rather than speaking SMTP badly.
func looksLikeOtherProtocol(line string) bool {
	verb, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToUpper(verb) {
	case "GET", "POST", "CONNECT", "PUT", "HEAD", "OPTIONS":
		return true
	}
	return false
}

func hostIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

