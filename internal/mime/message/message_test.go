package message

import (
	"strings"
	"testing"
)

func TestPlainTextMessage(t *testing.T) {
	raw := "From: a@b.com\r\n" +
		"Subject: hi there\r\n" +
		"\r\n" +
		"hello\r\n" +
		"world\r\n"

	msg, err := Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	top := msg.Top()
	if top == nil {
		t.Fatalf("no top part")
	}
	if top.Header.From != "a@b.com" || top.Header.Subject != "hi there" {
		t.Errorf("headers = %+v", top.Header)
	}
	if msg.Text() == nil {
		t.Errorf("expected Text() to resolve for a plain message")
	}
}

func TestMultipartAlternative(t *testing.T) {
	raw := "Content-Type: multipart/alternative; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"plain body\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>html body</p>\r\n" +
		"--BOUND--\r\n"

	msg, err := Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text() == nil {
		t.Fatalf("expected a text alternative")
	}
	if msg.HTML() == nil {
		t.Fatalf("expected an html alternative")
	}
	if msg.Top() != msg.Text() {
		t.Errorf("top should be the text alternative")
	}
}

func TestMultipartMixedWithAttachment(t *testing.T) {
	raw := "Content-Type: multipart/mixed; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body text\r\n" +
		"--BOUND\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=a.bin\r\n" +
		"\r\n" +
		"binarydata\r\n" +
		"--BOUND--\r\n"

	msg, err := Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Top() == nil {
		t.Fatalf("expected a top part (first mixed child)")
	}
	if len(msg.Attachments()) != 1 {
		t.Fatalf("attachments = %d, want 1", len(msg.Attachments()))
	}
	att := msg.Attachments()[0]
	if att.ContentDisposition == nil || att.ContentDisposition.DispositionType != "attachment" {
		t.Errorf("attachment disposition = %+v", att.ContentDisposition)
	}
}
