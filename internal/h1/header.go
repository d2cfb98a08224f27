package h1

import (
	"strings"
)

// Header is an ordered HTTP header multimap with case-insensitive lookup.
// Field names keep the case they were first written with.
type Header struct {
	fields [][2]string
	// index is keyed by lowercase name and built lazily on first mutation
	index map[string]int
}

// NewHeader creates an empty Header.
func NewHeader() *Header {
	return &Header{}
}

func (h *Header) buildIndex() {
	if h.index != nil {
		return
	}
	h.index = make(map[string]int, len(h.fields)+4)
	for i := range h.fields {
		h.index[strings.ToLower(h.fields[i][0])] = i
	}
}

// Set replaces any existing value for name. The last write wins.
func (h *Header) Set(name, value string) {
	h.buildIndex()
	key := strings.ToLower(name)
	if idx, ok := h.index[key]; ok {
		h.fields[idx] = [2]string{name, value}
		return
	}
	h.index[key] = len(h.fields)
	h.fields = append(h.fields, [2]string{name, value})
}

// Add appends value to name. A repeated name is folded into the existing
// field with a comma separator, matching how repeated header lines combine
// on the wire.
func (h *Header) Add(name, value string) {
	h.buildIndex()
	key := strings.ToLower(name)
	if idx, ok := h.index[key]; ok {
		h.fields[idx][1] = h.fields[idx][1] + ", " + value
		return
	}
	h.index[key] = len(h.fields)
	h.fields = append(h.fields, [2]string{name, value})
}

// Get returns the value for name, or "" when absent.
func (h *Header) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup returns the value for name and whether it was present.
func (h *Header) Lookup(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	if h.index != nil {
		if idx, ok := h.index[strings.ToLower(name)]; ok {
			return h.fields[idx][1], true
		}
		return "", false
	}
	for i := range h.fields {
		if strings.EqualFold(h.fields[i][0], name) {
			return h.fields[i][1], true
		}
	}
	return "", false
}

// Has reports whether name is present.
func (h *Header) Has(name string) bool {
	_, ok := h.Lookup(name)
	return ok
}

// Del removes name.
func (h *Header) Del(name string) {
	h.buildIndex()
	key := strings.ToLower(name)
	idx, ok := h.index[key]
	if !ok {
		return
	}
	h.fields = append(h.fields[:idx], h.fields[idx+1:]...)
	delete(h.index, key)
	for i := idx; i < len(h.fields); i++ {
		h.index[strings.ToLower(h.fields[i][0])] = i
	}
}

// Len returns the number of distinct fields.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Names returns field names in insertion order.
func (h *Header) Names() []string {
	if h == nil {
		return nil
	}
	names := make([]string, len(h.fields))
	for i := range h.fields {
		names[i] = h.fields[i][0]
	}
	return names
}

// All returns the underlying fields. Callers must not modify the slice.
func (h *Header) All() [][2]string {
	if h == nil {
		return nil
	}
	return h.fields
}

// Map returns a copy keyed by field name as written.
func (h *Header) Map() map[string]string {
	m := make(map[string]string, h.Len())
	if h == nil {
		return m
	}
	for _, f := range h.fields {
		m[f[0]] = f[1]
	}
	return m
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	c := &Header{}
	if h == nil {
		return c
	}
	c.fields = append(make([][2]string, 0, len(h.fields)), h.fields...)
	return c
}

// Reset clears all fields while keeping capacity.
func (h *Header) Reset() {
	h.fields = h.fields[:0]
	h.index = nil
}
