// Package protocol defines the messages a task subprocess sends to its
// supervisor. Messages travel as newline-delimited JSON.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

type Kind string

const (
	KindStart  Kind = "start"
	KindLog    Kind = "log"
	KindFinish Kind = "finish"
	KindFatal  Kind = "fatal"
)

// Terminal reports whether k ends a subprocess lifetime.
func (k Kind) Terminal() bool { return k == KindFinish || k == KindFatal }

type Message struct {
	Kind    Kind            `json:"kind"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FatalPayload is the payload of a fatal message.
type FatalPayload struct {
	Stack string `json:"stack"`
}

func Start(now time.Time) Message { return Message{Kind: KindStart, Time: now} }

func Log(msg string) Message {
	b, _ := json.Marshal(msg)
	return Message{Kind: KindLog, Payload: b}
}

func Finish(now time.Time, v any) (Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode return value: %w", err)
	}
	return Message{Kind: KindFinish, Time: now, Payload: b}, nil
}

func Fatal(now time.Time, stack string) Message {
	b, _ := json.Marshal(FatalPayload{Stack: stack})
	return Message{Kind: KindFatal, Time: now, Payload: b}
}

// Text decodes the payload of a log message.
func (m Message) Text() string {
	var s string
	if err := json.Unmarshal(m.Payload, &s); err != nil {
		return string(m.Payload)
	}
	return s
}

// Stack decodes the payload of a fatal message.
func (m Message) Stack() string {
	var p FatalPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return string(m.Payload)
	}
	return p.Stack
}

// Headline returns the first line of a multi-line diagnostic.
func Headline(stack string) string {
	line, _, _ := strings.Cut(strings.TrimLeft(stack, "\n"), "\n")
	return strings.TrimSpace(line)
}

// Encoder writes messages. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{enc: json.NewEncoder(w)} }

func (e *Encoder) Send(m Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(m)
}

type Decoder struct{ dec *json.Decoder }

func NewDecoder(r io.Reader) *Decoder { return &Decoder{dec: json.NewDecoder(r)} }

var ErrUnknownKind = errors.New("unknown message kind")

// Next returns the next message, or io.EOF once the stream is closed.
func (d *Decoder) Next() (Message, error) {
	var m Message
	if err := d.dec.Decode(&m); err != nil {
		return Message{}, err
	}
	switch m.Kind {
	case KindStart, KindLog, KindFinish, KindFatal:
		return m, nil
	}
	return m, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
}
