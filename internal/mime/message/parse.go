package message

import (
	"bufio"
	"io"
	"io/ioutil"

	"github.com/posthorn/posthorn/internal/mime/event"
)

// Parse reads a full CRLF-terminated MIME message from r and returns its
// structural overview. It discards the raw passthrough copy the
// underlying event.Parser produces; use event.New directly if that copy
// is needed (e.g. to tee the message to storage while it is parsed).
func Parse(r io.Reader) (*Message, error) {
	var h Handler
	p := event.New(ioutil.Discard, &h)

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := p.Write(line); werr != nil {
				return nil, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	p.Finish()
	return h.Message(), nil
}
