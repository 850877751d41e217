package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStreamRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	fin, err := Finish(now, map[string]int{"n": 3})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	for _, m := range []Message{Start(now), Log("hello"), fin} {
		if err := enc.Send(m); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if n := strings.Count(buf.String(), "\n"); n != 3 {
		t.Fatalf("expected one line per message, got %d lines", n)
	}

	dec := NewDecoder(&buf)
	start, err := dec.Next()
	if err != nil || start.Kind != KindStart || !start.Time.Equal(now) {
		t.Fatalf("start = %+v, err %v", start, err)
	}
	logm, err := dec.Next()
	if err != nil || logm.Text() != "hello" {
		t.Fatalf("log = %+v, err %v", logm, err)
	}
	got, err := dec.Next()
	if err != nil || !got.Kind.Terminal() || string(got.Payload) != `{"n":3}` {
		t.Fatalf("finish = %+v, err %v", got, err)
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestFatalStackAndHeadline(t *testing.T) {
	t.Parallel()
	m := Fatal(time.Now(), "imanerror\nmain.task\n\t/src/task.go:12")
	if m.Stack() != "imanerror\nmain.task\n\t/src/task.go:12" {
		t.Fatalf("stack = %q", m.Stack())
	}
	if h := Headline(m.Stack()); h != "imanerror" {
		t.Fatalf("headline = %q", h)
	}
	if h := Headline("single"); h != "single" {
		t.Fatalf("headline = %q", h)
	}
}

func TestDecoderRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	dec := NewDecoder(strings.NewReader(`{"kind":"bogus"}` + "\n"))
	if _, err := dec.Next(); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestFinishRejectsUnencodableValue(t *testing.T) {
	t.Parallel()
	if _, err := Finish(time.Now(), make(chan int)); err == nil {
		t.Fatal("expected encode error")
	}
}
