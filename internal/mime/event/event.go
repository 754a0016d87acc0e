// Package event implements a line-oriented event parser for MIME email
// bodies. Each call to Write must carry exactly one physical CRLF-
// terminated line; the parser folds header continuations internally and
// emits a stream of Events describing headers, multipart boundaries, and
// body lines as they are recognized.
package event

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/posthorn/posthorn/internal/mime/header"
	"github.com/posthorn/posthorn/internal/mime/linebuf"
)

// Kind identifies the shape of an Event.
type Kind int

const (
	Start Kind = iota
	HeaderEvent
	MultipartStart
	PartStart
	BodyStart
	Body
	PartEnd
	MultipartEnd
	End
)

// Multipart names the multipart subtypes the parser distinguishes.
type Multipart int

const (
	Alternative Multipart = iota
	Mixed
	Digest
)

// Event is delivered to a Handler as parsing progresses. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind      Kind
	Header    header.Header
	Multipart Multipart
	Offset    int
	Line      []byte
}

// Handler receives parser events.
type Handler interface {
	Event(Event)
}

type state int

const (
	stateStart state = iota
	stateHeader
	stateMultipartHeader
	stateMultipartPreamble
	statePartStart
	stateBody
)

type contentType struct {
	isMultipart bool
	multipart   Multipart
	mimeType    string
}

type multipartFrame struct {
	contentType Multipart
	boundary    []byte
}

// Parser drives Handler from a stream of raw lines, tracking the
// Content-Type stack needed to recognize nested multipart boundaries.
type Parser struct {
	w           io.Writer
	handler     Handler
	state       state
	offset      int
	contentType contentType
	boundary    []byte
	stack       []multipartFrame
	buf         linebuf.Buffer
}

// New creates a Parser that mirrors every line it receives to w (useful
// for tee-ing the raw message to storage) and reports structural events
// to handler.
func New(w io.Writer, handler Handler) *Parser {
	return &Parser{
		w:           w,
		handler:     handler,
		state:       stateStart,
		contentType: contentType{mimeType: "text/plain"},
	}
}

// Write feeds one CRLF-terminated line into the parser.
func (p *Parser) Write(line []byte) (int, error) {
	if err := p.dispatch(line); err != nil {
		return 0, err
	}
	return len(line), nil
}

// Finish signals end of input, emitting the terminal End event. The
// Parser must not be written to again afterward.
func (p *Parser) Finish() {
	p.handler.Event(Event{Kind: End})
}

func (p *Parser) dispatch(line []byte) error {
	switch p.state {
	case stateStart:
		p.handler.Event(Event{Kind: Start})
		p.state = stateHeader
		return p.dispatchHeaderLine(line)
	case stateHeader, stateMultipartHeader, statePartStart:
		return p.dispatchHeaderLine(line)
	default:
		return p.consumeLine(line, len(line))
	}
}

func (p *Parser) dispatchHeaderLine(line []byte) error {
	if bytes.HasPrefix(line, []byte("\r\n")) {
		if buffered, length, ok := p.buf.Take(); ok {
			if err := p.consumeLine(buffered, length); err != nil {
				return err
			}
		}
		return p.consumeLine(line, len(line))
	}
	if completed, length, ok := p.buf.NextLine(line); ok {
		return p.consumeLine(completed, length)
	}
	return nil
}

func (p *Parser) consumeLine(line []byte, length int) error {
	if _, err := p.w.Write(line); err != nil {
		return err
	}
	next, err := p.transition(line)
	if err != nil {
		return err
	}
	p.state = next
	p.offset += length
	return nil
}

func (p *Parser) transition(line []byte) (state, error) {
	switch p.state {
	case stateMultipartHeader:
		return p.headerField(line, stateMultipartHeader)
	case stateHeader:
		return p.headerField(line, stateHeader)
	case statePartStart:
		p.handler.Event(Event{Kind: PartStart, Offset: p.offset})
		return p.headerField(line, stateHeader)
	case stateMultipartPreamble:
		if p.isOpenBoundary(line) {
			if p.contentType.isMultipart {
				p.handler.Event(Event{Kind: MultipartStart, Multipart: p.contentType.multipart})
			}
			return statePartStart, nil
		}
		return stateMultipartPreamble, nil
	case stateBody:
		return p.bodyTransition(line)
	default:
		return p.state, fmt.Errorf("event: parser in unreachable state %d", p.state)
	}
}

func (p *Parser) bodyTransition(line []byte) (state, error) {
	switch {
	case p.isCloseBoundary(line):
		p.handler.Event(Event{Kind: PartEnd, Offset: p.offset})
		p.handler.Event(Event{Kind: MultipartEnd})
		if n := len(p.stack); n > 0 {
			last := p.stack[n-1]
			p.stack = p.stack[:n-1]
			p.contentType = contentType{isMultipart: true, multipart: last.contentType}
			p.boundary = last.boundary
		}
		return stateHeader, nil
	case p.isOpenBoundary(line):
		p.handler.Event(Event{Kind: PartEnd, Offset: p.offset})
		return statePartStart, nil
	default:
		p.handler.Event(Event{Kind: Body, Line: line})
		return stateBody, nil
	}
}

func (p *Parser) headerField(line []byte, current state) (state, error) {
	if bytes.HasPrefix(line, []byte("\r\n")) {
		if current == stateMultipartHeader {
			return stateMultipartPreamble, nil
		}
		p.handler.Event(Event{Kind: BodyStart, Offset: p.offset + 2})
		return stateBody, nil
	}

	h, err := header.Parse(line)
	if err != nil {
		return current, err
	}
	if h.Kind == header.ContentType {
		p.applyContentType(h.MIMEType, h.Params)
	}
	p.handler.Event(Event{Kind: HeaderEvent, Header: h})
	if p.contentType.isMultipart {
		return stateMultipartHeader, nil
	}
	return current, nil
}

func (p *Parser) applyContentType(mimeType string, params map[string]string) {
	if p.contentType.isMultipart && p.boundary != nil {
		p.stack = append(p.stack, multipartFrame{contentType: p.contentType.multipart, boundary: p.boundary})
	}
	p.contentType = classifyMIME(mimeType)
	if p.contentType.isMultipart {
		p.boundary = nil
		if b, ok := params["boundary"]; ok {
			p.boundary = append([]byte("--"), b...)
		}
	}
	// A non-multipart Content-Type leaves the current boundary alone: it
	// still marks the end of this part's body within the enclosing
	// multipart.
}

func classifyMIME(mimeType string) contentType {
	switch strings.ToLower(mimeType) {
	case "multipart/alternative":
		return contentType{isMultipart: true, multipart: Alternative}
	case "multipart/mixed":
		return contentType{isMultipart: true, multipart: Mixed}
	case "multipart/digest":
		return contentType{isMultipart: true, multipart: Digest}
	default:
		return contentType{mimeType: mimeType}
	}
}

func (p *Parser) isOpenBoundary(line []byte) bool {
	return p.boundary != nil && bytes.HasPrefix(line, p.boundary)
}

func (p *Parser) isCloseBoundary(line []byte) bool {
	if p.boundary == nil {
		return false
	}
	end := len(p.boundary)
	return bytes.HasPrefix(line, p.boundary) && len(line) > end+2 && bytes.HasSuffix(line, []byte("--\r\n"))
}
