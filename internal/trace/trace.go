// Package trace provides per-session and per-query event logs on top of
// golang.org/x/net/trace, mirrored to the structured logger.
package trace

import (
	"fmt"
	"net/http"
	"strconv"

	"blitiri.com.ar/go/log"

	nettrace "golang.org/x/net/trace"
)

// Families of traces this package creates, used as the first argument to
// New/NewEventLog so that /debug/requests groups them sensibly.
const (
	FamilySession   = "smtp.session"
	FamilyDNSQuery  = "dns.query"
	FamilyBlocklist = "dns.blocklist"
)

func init() {
	// golang.org/x/net/trace only allows localhost by default, which is
	// inconvenient for embedders that expose /debug/requests remotely.
	nettrace.AuthRequest = func(req *http.Request) (any, sensitive bool) {
		return true, true
	}
}

// maxEvents bounds how many LazyPrintf calls a single Trace retains. The
// x/net/trace default of 10 is short for a full SMTP dialogue.
const maxEvents = 30

// Trace represents an in-flight unit of work: one SMTP session or one DNS
// query. It fans every message out to both the live trace viewer and the
// structured logger.
type Trace struct {
	family, title string
	t             nettrace.Trace
}

// New starts a trace identified by family/title.
func New(family, title string) *Trace {
	t := nettrace.New(family, title)
	t.SetMaxEvents(maxEvents)
	return &Trace{family: family, title: title, t: t}
}

// NewSession starts a Trace for an SMTP session from the given remote
// address.
func NewSession(remoteAddr string) *Trace {
	return New(FamilySession, remoteAddr)
}

// Printf records an informational event.
func (t *Trace) Printf(format string, a ...interface{}) {
	t.emit(log.Info, format, a...)
}

// Debugf records a debug-level event.
func (t *Trace) Debugf(format string, a ...interface{}) {
	t.emit(log.Debug, format, a...)
}

// Errorf formats an error, records it, marks the trace as failed, and
// returns the error so callers can propagate it in one line.
func (t *Trace) Errorf(format string, a ...interface{}) error {
	err := fmt.Errorf(format, a...)
	return t.Error(err)
}

// Error marks the trace as having seen err and records it.
func (t *Trace) Error(err error) error {
	t.t.SetError()
	t.t.LazyPrintf("error: %v", err)
	log.Log(log.Info, 1, "%s %s: error: %s", t.family, t.title, quote(err.Error()))
	return err
}

// Finish closes out the trace. No further calls should be made on it.
func (t *Trace) Finish() {
	t.t.Finish()
}

func (t *Trace) emit(level log.Level, format string, a ...interface{}) {
	t.t.LazyPrintf(format, a...)
	log.Log(level, 2, "%s %s: %s", t.family, t.title, quote(fmt.Sprintf(format, a...)))
}

// EventLog traces a long-lived object that outlives any single request,
// such as a blocklist resolver.
type EventLog struct {
	family, title string
	e             nettrace.EventLog
}

// NewEventLog returns a new EventLog identified by family/title.
func NewEventLog(family, title string) *EventLog {
	return &EventLog{family: family, title: title, e: nettrace.NewEventLog(family, title)}
}

// Printf records an informational event.
func (e *EventLog) Printf(format string, a ...interface{}) {
	e.e.Printf(format, a...)
	log.Log(log.Info, 1, "%s %s: %s", e.family, e.title, quote(fmt.Sprintf(format, a...)))
}

// Debugf records a debug-level event.
func (e *EventLog) Debugf(format string, a ...interface{}) {
	e.e.Printf(format, a...)
	log.Log(log.Debug, 1, "%s %s: %s", e.family, e.title, quote(fmt.Sprintf(format, a...)))
}

// Errorf records an error-level event and returns the formatted error.
func (e *EventLog) Errorf(format string, a ...interface{}) error {
	err := fmt.Errorf(format, a...)
	e.e.Errorf("error: %v", err)
	log.Log(log.Info, 1, "%s %s: error: %s", e.family, e.title, quote(err.Error()))
	return err
}

func quote(s string) string {
	qs := strconv.Quote(s)
	return qs[1 : len(qs)-1]
}
