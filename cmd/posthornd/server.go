package main

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	blog "blitiri.com.ar/go/log"

	"github.com/posthorn/posthorn/internal/auth"
	"github.com/posthorn/posthorn/internal/blocklist"
	"github.com/posthorn/posthorn/internal/config"
	"github.com/posthorn/posthorn/internal/dnsclient"
	"github.com/posthorn/posthorn/internal/set"
	"github.com/posthorn/posthorn/internal/smtpengine"
	"github.com/posthorn/posthorn/internal/systemd"
)

// commandTimeout bounds each individual command round-trip. connTimeout
// bounds the whole conversation, including DATA transfer.
const (
	commandTimeout = 2 * time.Minute
	connTimeout    = 20 * time.Minute
)

// server holds everything a connection needs, built once from config at
// startup and shared (read-only after newServer returns) across goroutines.
type server struct {
	conf *config.Config

	tlsConfig *tls.Config

	authr      *auth.Authenticator
	mechanisms []smtpengine.AuthMechanism

	resolver  *dnsclient.Client
	blocklist *blocklist.List

	acceptedDomains *set.String
}

func newServer(conf *config.Config) (*server, error) {
	s := &server{conf: conf}

	acceptedDomains := conf.AcceptedDomains
	if len(acceptedDomains) == 0 {
		acceptedDomains = []string{conf.Hostname}
	}
	s.acceptedDomains = set.NewString(acceptedDomains...)

	if conf.TLSCertFile != "" && conf.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(conf.TLSCertFile, conf.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	s.authr = auth.NewAuthenticator()
	demo := auth.NewMapBackend()
	demo.AddUser("demo", "demo")
	s.authr.Register(conf.Hostname, auth.WrapNoErrorBackend(demo))

	for _, m := range conf.AuthMechanisms {
		switch strings.ToUpper(m) {
		case "PLAIN":
			s.mechanisms = append(s.mechanisms, smtpengine.MechPlain)
		case "LOGIN":
			s.mechanisms = append(s.mechanisms, smtpengine.MechLogin)
		default:
			return nil, fmt.Errorf("unknown auth mechanism %q", m)
		}
	}

	if len(conf.BlocklistZones) > 0 {
		dnsServer := conf.DNSResolver
		if dnsServer == "" {
			var err error
			dnsServer, err = systemResolver()
			if err != nil {
				return nil, fmt.Errorf("discovering a DNS resolver: %w", err)
			}
		}
		s.resolver = dnsclient.New(dnsServer, conf.DNSTimeoutDuration(dnsclient.DefaultTimeout))
		s.blocklist = blocklist.New(s.resolver, conf.BlocklistZones)
	}

	return s, nil
}

// systemResolver reads the first "nameserver" line out of /etc/resolv.conf.
// This engine intentionally does not carry a full recursive resolver of its
// own, so it borrows whatever the host is already configured to use.
func systemResolver() (string, error) {
	f, err := os.Open("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("reading /etc/resolv.conf: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "nameserver" {
			return net.JoinHostPort(fields[1], "53"), nil
		}
	}
	return "", fmt.Errorf("no nameserver line found in /etc/resolv.conf")
}

// ListenAndServe binds every configured address (resolving "systemd" to
// socket-activated listeners) and blocks forever.
func (s *server) ListenAndServe() {
	naddr := 0
	for _, addr := range s.conf.SMTPAddress {
		if addr == "systemd" {
			ls, err := systemd.Named(systemd.SMTPListenerName)
			if err != nil {
				blog.Fatalf("getting systemd listeners: %v", err)
			}
			for _, l := range ls {
				blog.Infof("listening on %s (via systemd)", l.Addr())
				go s.serve(l)
				naddr++
			}
			continue
		}

		l, err := net.Listen("tcp", addr)
		if err != nil {
			blog.Fatalf("listening on %s: %v", addr, err)
		}
		blog.Infof("listening on %s", addr)
		go s.serve(l)
		naddr++
	}

	if conf := s.conf.MonitoringAddress; conf != "" {
		go s.serveMonitoring(conf)
	}

	if naddr == 0 {
		blog.Fatalf("no address to listen on")
	}

	select {}
}

func (s *server) serve(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			blog.Errorf("accept on %s: %v", l.Addr(), err)
			return
		}
		go s.handleConn(conn)
	}
}
