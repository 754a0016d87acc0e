// Package message builds a simplified, indexable overview of a parsed
// email message on top of the lower-level event package: a top-level
// body part, an optional plain-text and HTML alternative, and the
// attachment/inline/other parts of any multipart structure.
package message

import (
	"github.com/posthorn/posthorn/internal/mime/event"
	"github.com/posthorn/posthorn/internal/mime/header"
)

// HeaderFields holds the well-known header values gathered for a Part.
type HeaderFields struct {
	MessageID string
	From      string
	To        string
	Date      string
	Subject   string
	Sender    string
	ReplyTo   string
}

// ContentType is the parsed Content-Type of a Part.
type ContentType struct {
	IsMultipart bool
	Multipart   event.Multipart
	MIMEType    string
	Parameters  map[string]string
}

// ContentDisposition is the parsed Content-Disposition of a Part.
type ContentDisposition struct {
	DispositionType string
	Parameters      map[string]string
}

// Part is one MIME body part: either the whole message (if it isn't
// multipart) or one entity inside a multipart structure.
type Part struct {
	Header             HeaderFields
	ContentType         *ContentType
	ContentDisposition  *ContentDisposition
	start, bodyStart, end int
}

// Position returns the byte offset and length of the part, header included.
func (p *Part) Position() (offset, length int) {
	return p.start, p.end - p.start + 1
}

// Body returns the byte offset and length of the part's body only.
func (p *Part) Body() (offset, length int) {
	return p.bodyStart, p.end - p.bodyStart + 1
}

// Message is the parsed overview built by Handler. Fields are indices
// into Parts; use the accessor methods rather than indexing directly.
type Message struct {
	top          int
	text, html   *int
	attachments  []int
	inlines      []int
	other        []int
	Parts        []Part
}

func (m *Message) Top() *Part {
	if len(m.Parts) == 0 {
		return nil
	}
	return &m.Parts[m.top]
}

func (m *Message) Text() *Part {
	if m.text == nil {
		return nil
	}
	return &m.Parts[*m.text]
}

func (m *Message) HTML() *Part {
	if m.html == nil {
		return nil
	}
	return &m.Parts[*m.html]
}

func (m *Message) Attachments() []Part {
	return m.partsAt(m.attachments)
}

func (m *Message) Inlines() []Part {
	return m.partsAt(m.inlines)
}

func (m *Message) Other() []Part {
	return m.partsAt(m.other)
}

func (m *Message) partsAt(idx []int) []Part {
	out := make([]Part, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.Parts[i])
	}
	return out
}

type target int

const (
	targetTop target = iota
	targetTopAlternative
	targetAlternative
	targetFirstMixed
	targetAttachments
	targetInlines
	targetOther
)

// Handler implements event.Handler, assembling a Message from the event
// stream produced by an event.Parser.
type Handler struct {
	isMultipart bool
	target      target
	current     Part
	message     Message
}

// Message returns the assembled result. Call only after the parser has
// reported its End event.
func (h *Handler) Message() *Message {
	return &h.message
}

func (h *Handler) Event(ev event.Event) {
	switch ev.Kind {
	case event.HeaderEvent:
		h.handleHeader(ev.Header)
	case event.MultipartStart:
		h.multipartStart(ev.Multipart)
	case event.PartStart:
		h.partStart(ev.Offset)
	case event.PartEnd:
		h.partEnd(ev.Offset)
	case event.BodyStart:
		h.bodyStart(ev.Offset)
	case event.End:
		h.end()
	}
}

func (h *Handler) handleHeader(hd header.Header) {
	f := &h.current.Header
	switch hd.Kind {
	case header.From:
		f.From = hd.Text
	case header.To:
		f.To = hd.Text
	case header.Date:
		f.Date = hd.Text
	case header.Subject:
		f.Subject = hd.Text
	case header.Sender:
		f.Sender = hd.Text
	case header.ReplyTo:
		f.ReplyTo = hd.Text
	case header.MessageID:
		f.MessageID = hd.Text
	case header.ContentType:
		h.setContentType(hd.MIMEType, hd.Params)
	case header.ContentDisposition:
		h.setContentDisposition(hd.MIMEType, hd.Params)
	}
}

func (h *Handler) setContentType(mimeType string, params map[string]string) {
	ct := classify(mimeType)
	ct.Parameters = params
	h.current.ContentType = &ct
}

func (h *Handler) setContentDisposition(dispositionType string, params map[string]string) {
	h.current.ContentDisposition = &ContentDisposition{DispositionType: dispositionType, Parameters: params}
	if h.target != targetTop && h.target != targetTopAlternative {
		switch dispositionType {
		case "inline":
			h.target = targetInlines
		case "attachment":
			h.target = targetAttachments
		default:
			h.target = targetOther
		}
	}
}

func (h *Handler) multipartStart(m event.Multipart) {
	switch m {
	case event.Alternative:
		if h.target == targetTop {
			h.target = targetTopAlternative
		} else {
			h.target = targetAlternative
		}
	case event.Mixed:
		if h.target == targetTop {
			h.target = targetFirstMixed
		} else {
			h.target = targetAttachments
		}
	case event.Digest:
		h.target = targetAttachments
	}
}

func (h *Handler) partStart(offset int) {
	h.isMultipart = true
	h.current.start = offset
}

func (h *Handler) bodyStart(offset int) {
	h.current.bodyStart = offset
}

func (h *Handler) partEnd(offset int) {
	h.current.end = offset
	ct := h.current.ContentType
	idx := h.addPart()
	switch h.target {
	case targetTop:
		h.message.top = idx
		if isText(ct) {
			t := idx
			h.message.text = &t
		}
	case targetTopAlternative:
		switch {
		case isText(ct):
			h.message.top = idx
			t := idx
			h.message.text = &t
		case isContent(ct, "text/html"):
			t := idx
			h.message.html = &t
		default:
			h.message.top = idx
		}
	case targetFirstMixed:
		h.message.top = idx
		h.target = targetAttachments
	case targetAlternative, targetAttachments:
		h.message.attachments = append(h.message.attachments, idx)
	case targetInlines:
		h.message.inlines = append(h.message.inlines, idx)
	case targetOther:
		h.message.other = append(h.message.other, idx)
	}
}

func (h *Handler) end() {
	if !h.isMultipart {
		ct := h.current.ContentType
		idx := h.addPart()
		h.message.top = idx
		if isText(ct) {
			t := idx
			h.message.text = &t
		}
	}
}

func (h *Handler) addPart() int {
	current := h.current
	h.current = Part{}
	h.message.Parts = append(h.message.Parts, current)
	return len(h.message.Parts) - 1
}

func classify(mimeType string) ContentType {
	switch lower(mimeType) {
	case "multipart/alternative":
		return ContentType{IsMultipart: true, Multipart: event.Alternative}
	case "multipart/mixed":
		return ContentType{IsMultipart: true, Multipart: event.Mixed}
	case "multipart/digest":
		return ContentType{IsMultipart: true, Multipart: event.Digest}
	default:
		return ContentType{MIMEType: mimeType}
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func isText(ct *ContentType) bool {
	return ct == nil || isContent(ct, "text/plain")
}

func isContent(ct *ContentType, want string) bool {
	return ct != nil && !ct.IsMultipart && ct.MIMEType == want
}
