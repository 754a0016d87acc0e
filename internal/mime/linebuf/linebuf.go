// Package linebuf reassembles folded MIME header continuations: a header
// logical line begins at a non-LWSP byte after CRLF and continues through
// every following line whose first byte is SP or HTAB.
package linebuf

// Buffer accumulates header lines fed one CRLF-terminated line at a time
// and reports a complete logical line once folding ends.
type Buffer struct {
	has    bool
	length int
	line   []byte
}

// NextLine feeds one raw line (including its trailing CRLF) into the
// buffer. If line continues the logical line currently being buffered
// (starts with SP or HTAB), it is folded in and ok is false. Otherwise the
// previously buffered logical line is returned (line, total consumed byte
// count) and line starts a new logical line; on the very first call there
// is nothing to return yet, so ok is false.
func (b *Buffer) NextLine(line []byte) (completed []byte, length int, ok bool) {
	if !b.has {
		b.has = true
		b.length = len(line)
		b.line = append([]byte(nil), line...)
		return nil, 0, false
	}

	if len(line) > 0 && isLWSP(line[0]) {
		// Continuation: fold onto the buffered line, replacing its
		// trailing CRLF with the continuation bytes.
		b.line = append(trimCRLF(b.line), line...)
		b.length += len(line)
		return nil, 0, false
	}

	completed = b.line
	length = b.length
	b.line = append([]byte(nil), line...)
	b.length = len(line)
	return completed, length, true
}

// Take flushes whatever logical line is currently buffered, if any. Used
// at EOF or when a blank line closes out the header block.
func (b *Buffer) Take() (line []byte, length int, ok bool) {
	if !b.has {
		return nil, 0, false
	}
	b.has = false
	return b.line, b.length, true
}

func isLWSP(c byte) bool {
	return c == ' ' || c == '\t'
}

func trimCRLF(b []byte) []byte {
	if n := len(b); n >= 2 && b[n-2] == '\r' && b[n-1] == '\n' {
		return b[:n-2]
	}
	if n := len(b); n >= 1 && b[n-1] == '\n' {
		return b[:n-1]
	}
	return b
}
