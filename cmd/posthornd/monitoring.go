package main

import (
	"expvar"
	"net/http"

	blog "blitiri.com.ar/go/log"

	// Importing golang.org/x/net/trace registers the /debug/requests and
	// /debug/events handlers on http.DefaultServeMux.
	_ "golang.org/x/net/trace"
)

var connectionsAccepted = expvar.NewInt("posthornd/connectionsAccepted")

// serveMonitoring serves expvar (/debug/vars) and the trace viewer
// (/debug/requests, /debug/events) on addr. It never returns.
func (s *server) serveMonitoring(addr string) {
	blog.Infof("monitoring server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		blog.Errorf("monitoring server failed: %v", err)
	}
}
