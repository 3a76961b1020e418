// Package frame implements the peer's text framing and the `name=value`
// assignment format shared with the bus.
//
// A transmission unit is zero or more `name=value#` segments with no other
// framing. The first '=' separates name from value; the value may contain
// further '=' characters.
package frame

import (
	"errors"
	"strings"
)

// Delimiter terminates every frame on the peer connection.
const Delimiter = '#'

// SyncName is the reserved frame name a peer uses to request a resend.
const SyncName = "Sync"

var (
	// ErrNoSeparator is returned for an assignment without '='.
	ErrNoSeparator = errors.New("frame: missing '=' separator")

	// ErrEmptyName is returned for an assignment whose name is empty.
	ErrEmptyName = errors.New("frame: empty name")
)

// Frame is one parsed `name=value` assignment.
type Frame struct {
	Name  string
	Value string
}

// IsSync reports whether f is a freshness request for the variable in Value.
func (f Frame) IsSync() bool { return f.Name == SyncName }

// Assignment renders f as the bus payload `name=value`.
func (f Frame) Assignment() string { return f.Name + "=" + f.Value }

// String renders f as a wire segment including the trailing delimiter.
func (f Frame) String() string {
	return f.Name + "=" + f.Value + string(Delimiter)
}

// ParseAssignment splits s on its first '='.
func ParseAssignment(s string) (Frame, error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return Frame{}, ErrNoSeparator
	}
	if name == "" {
		return Frame{}, ErrEmptyName
	}
	return Frame{Name: name, Value: value}, nil
}

// Split breaks payload into its '#'-terminated segments. Empty segments are
// dropped.
func Split(payload string) []string {
	parts := strings.Split(payload, string(Delimiter))
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Encoder accumulates frames into one outgoing payload.
type Encoder struct {
	b     strings.Builder
	count int
}

// Add appends name=value# to the payload.
func (e *Encoder) Add(name, value string) {
	e.b.WriteString(name)
	e.b.WriteByte('=')
	e.b.WriteString(value)
	e.b.WriteByte(Delimiter)
	e.count++
}

// Len returns the number of frames added.
func (e *Encoder) Len() int { return e.count }

// String returns the accumulated payload.
func (e *Encoder) String() string { return e.b.String() }
