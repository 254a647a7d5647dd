package httpmsg

import "strings"

// Field is a single header field as it appeared on the wire.
// Trailer marks fields that arrived after a chunked body; they are
// re-emitted as trailers on encode.
type Field struct {
	Name    string
	Value   string
	Trailer bool
}

// Header is an ordered multimap of header fields. Names are compared
// case-insensitively but stored exactly as received; encoding never
// reorders nor canonicalizes them.
type Header struct {
	fields []Field
}

func NewHeader() *Header {
	return &Header{}
}

func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

func (h *Header) addTrailer(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value, Trailer: true})
}

// Get returns the first value for name, or "".
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns all values for name in insertion order.
func (h *Header) Values(name string) []string {
	var vs []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			vs = append(vs, f.Value)
		}
	}
	return vs
}

// Set replaces the first field named name and drops any duplicates.
// The field keeps its original position; a missing field is appended.
func (h *Header) Set(name, value string) {
	out := h.fields[:0]
	done := false
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if done {
				continue
			}
			f.Value = value
			done = true
		}
		out = append(out, f)
	}
	h.fields = out
	if !done {
		h.Add(name, value)
	}
}

func (h *Header) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			continue
		}
		out = append(out, f)
	}
	h.fields = out
}

func (h *Header) Len() int {
	return len(h.fields)
}

// Fields returns the underlying fields in insertion order.
// The slice must not be mutated by the caller.
func (h *Header) Fields() []Field {
	return h.fields
}

func (h *Header) Clone() *Header {
	c := &Header{fields: make([]Field, len(h.fields))}
	copy(c.fields, h.fields)
	return c
}

// Contains reports whether any comma-separated token of the named
// field equals value, ignoring case. Used for Connection and
// Transfer-Encoding token tests.
func (h *Header) Contains(name, value string) bool {
	for _, v := range h.Values(name) {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(value, strings.TrimSpace(s)) {
				return true
			}
		}
	}
	return false
}
