package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/posthorn/posthorn/internal/blocklist"
	"github.com/posthorn/posthorn/internal/chain"
	"github.com/posthorn/posthorn/internal/envelope"
	"github.com/posthorn/posthorn/internal/mime/message"
	"github.com/posthorn/posthorn/internal/normalize"
	"github.com/posthorn/posthorn/internal/smtpengine"
	"github.com/posthorn/posthorn/internal/trace"
)

// handler implements smtpengine.Handler for one connection, wiring the
// engine's callbacks to the server's shared auth/blocklist/DNS state.
type handler struct {
	srv      *server
	tr       *trace.Trace
	conn     net.Conn
	remoteIP net.IP

	heloName      string
	isESMTP       bool
	completedAuth bool
}

func (h *handler) Helo(ip net.IP, domain string) smtpengine.HeloResult {
	norm, err := normalize.Domain(domain)
	if err != nil {
		h.tr.Errorf("invalid HELO domain %q: %v", domain, err)
		return smtpengine.HeloBadHelo
	}
	h.heloName = norm
	h.isESMTP = true

	if h.srv.blocklist != nil && ip != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		blocked, err := h.srv.blocklist.IsBlocked(ctx, ip)
		if err != nil {
			h.tr.Errorf("blocklist check for %s: %v", ip, err)
		} else if blocked {
			h.tr.Errorf("rejecting %s: listed on a configured blocklist zone", ip)
			return smtpengine.HeloBlockedIP
		}

		result, name, err := blocklist.FCrDNS(ctx, h.srv.resolver, ip)
		if err != nil {
			h.tr.Errorf("FCrDNS lookup for %s: %v", ip, err)
		} else {
			h.tr.Debugf("FCrDNS for %s: %v (%s)", ip, result, name)
		}
	}

	return smtpengine.HeloOk
}

func (h *handler) Mail(ip net.IP, domain, reversePath string) smtpengine.MailResult {
	if reversePath == "" {
		// A null reverse-path (bounce message) is always acceptable.
		return smtpengine.MailOk
	}
	if _, d := envelope.Split(reversePath); d != "" {
		if _, err := normalize.Domain(d); err != nil {
			return smtpengine.MailNoService
		}
	}
	return smtpengine.MailOk
}

func (h *handler) Rcpt(forwardPath string) smtpengine.RcptResult {
	user, domain := envelope.Split(forwardPath)
	if user == "" || domain == "" {
		return smtpengine.RcptBadMailbox
	}
	if !envelope.DomainIn(forwardPath, h.srv.acceptedDomains) {
		return smtpengine.RcptNoService
	}
	return smtpengine.RcptOk
}

func (h *handler) Data(domain, reversePath string, is8Bit bool, forwardPaths []string) (io.WriteCloser, smtpengine.DataResult) {
	maxBytes := int64(h.srv.conf.MaxDataSizeMB) * 1024 * 1024
	return &dataSink{h: h, reversePath: reversePath, forwardPaths: forwardPaths, maxBytes: maxBytes}, smtpengine.DataOk
}

func (h *handler) AuthPlain(authzID, authnID, password string) smtpengine.AuthResult {
	return h.authenticate(authnID, password)
}

func (h *handler) AuthLogin(username, password string) smtpengine.AuthResult {
	return h.authenticate(username, password)
}

func (h *handler) authenticate(identity, password string) smtpengine.AuthResult {
	user, domain := envelope.Split(identity)
	if domain == "" {
		domain = h.srv.conf.Hostname
	}

	user, err := normalize.User(user)
	if err != nil {
		return smtpengine.AuthInvalidCredentials
	}
	domain, err = normalize.Domain(domain)
	if err != nil {
		return smtpengine.AuthInvalidCredentials
	}

	ok, err := h.srv.authr.Authenticate(user, domain, password)
	if err != nil {
		h.tr.Errorf("authenticating %s@%s: %v", user, domain, err)
		return smtpengine.AuthTemporaryFailure
	}
	if !ok {
		return smtpengine.AuthInvalidCredentials
	}

	h.completedAuth = true
	return smtpengine.AuthOk
}

// dataSink buffers one message body, enforcing the configured size limit,
// then on Close stamps a Received header, checks for mail loops, and parses
// the MIME structure for the demo log line. It does not persist anything:
// there is no mailbox or delivery queue in this engine.
type dataSink struct {
	h            *handler
	reversePath  string
	forwardPaths []string
	buf          bytes.Buffer
	maxBytes     int64
	tooBig       bool
}

func (d *dataSink) Write(p []byte) (int, error) {
	if d.tooBig {
		return 0, fmt.Errorf("5.3.4 message too big")
	}
	if d.maxBytes > 0 && int64(d.buf.Len()+len(p)) > d.maxBytes {
		d.tooBig = true
		return 0, fmt.Errorf("5.3.4 message exceeds %d byte limit", d.maxBytes)
	}
	return d.buf.Write(p)
}

func (d *dataSink) Close() error {
	data := d.buf.Bytes()

	info := chain.Info{
		Hostname:      d.h.srv.conf.Hostname,
		RemoteAddr:    d.h.conn.RemoteAddr(),
		EHLOName:      d.h.heloName,
		ESMTP:         d.h.isESMTP,
		Authenticated: d.h.completedAuth,
		Mode:          "smtp",
		MailFrom:      d.reversePath,
	}
	if tc, ok := d.h.conn.(*tls.Conn); ok {
		cs := tc.ConnectionState()
		info.TLS = &chain.TLSState{Version: cs.Version, CipherSuite: cs.CipherSuite}
	}
	data = chain.AddReceivedHeader(data, info, time.Now())

	if err := chain.CheckLoop(data, 0); err != nil {
		d.h.tr.Errorf("rejecting message: %v", err)
		return err
	}

	msg, err := message.Parse(bytes.NewReader(data))
	if err != nil {
		d.h.tr.Errorf("parsing message structure: %v", err)
		return nil
	}

	d.h.tr.Printf("accepted %d bytes from %s to %v (%d attachment(s), %d inline, %d other)",
		len(data), d.reversePath, d.forwardPaths,
		len(msg.Attachments()), len(msg.Inlines()), len(msg.Other()))
	return nil
}
