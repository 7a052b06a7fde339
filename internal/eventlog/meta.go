package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Meta is an insertion-ordered string-keyed map of JSON values.
//
// It round-trips through JSON with key order intact. Nested objects and
// arrays are kept as json.RawMessage so their inner order survives as well;
// scalars decode to string, bool, nil or json.Number.
//
// The zero value is an empty Meta ready for use. Meta is not safe for
// concurrent mutation; Clone before handing it to another goroutine.
type Meta struct {
	keys   []string
	values map[string]any
}

// NewMeta builds a Meta from alternating key/value arguments.
// It panics on an odd argument count or a non-string key.
func NewMeta(kv ...any) Meta {
	if len(kv)%2 != 0 {
		panic("eventlog.NewMeta: odd argument count")
	}
	var m Meta
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("eventlog.NewMeta: key %v is not a string", kv[i]))
		}
		m.Set(k, kv[i+1])
	}
	return m
}

// Set stores v under k. An existing key keeps its position.
func (m *Meta) Set(k string, v any) {
	if m.values == nil {
		m.values = make(map[string]any)
	}
	if _, exists := m.values[k]; !exists {
		m.keys = append(m.keys, k)
	}
	m.values[k] = v
}

// SetDefault stores v only when k is absent. It reports whether it stored.
func (m *Meta) SetDefault(k string, v any) bool {
	if m.Has(k) {
		return false
	}
	m.Set(k, v)
	return true
}

// Get returns the value stored under k.
func (m Meta) Get(k string) (any, bool) {
	v, ok := m.values[k]
	return v, ok
}

// Has reports whether k is present.
func (m Meta) Has(k string) bool {
	_, ok := m.values[k]
	return ok
}

// String returns the value under k when it is a string.
func (m Meta) String(k string) (string, bool) {
	v, ok := m.values[k]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns the value under k as an int64 when it holds an integral number.
func (m Meta) Int(k string) (int64, bool) {
	v, ok := m.values[k]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

// Keys returns the keys in insertion order.
func (m Meta) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of keys.
func (m Meta) Len() int {
	return len(m.keys)
}

// Clone returns a copy that shares no mutable state with m.
// Values are copied shallowly; raw nested JSON is immutable in practice.
func (m Meta) Clone() Meta {
	c := Meta{keys: make([]string, len(m.keys))}
	copy(c.keys, m.keys)
	if m.values != nil {
		c.values = make(map[string]any, len(m.values))
		for k, v := range m.values {
			c.values[k] = v
		}
	}
	return c
}

// MarshalJSON writes the keys in insertion order.
func (m Meta) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(k))
		buf.WriteByte(':')
		val, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshalling meta key %q: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, keeping its key order. null yields an empty Meta.
func (m *Meta) UnmarshalJSON(data []byte) error {
	*m = Meta{}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("reading meta: %w", err)
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return ErrMetaNotObject
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("reading meta key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("reading meta key: unexpected %v", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("reading meta value for %q: %w", key, err)
		}
		val, err := decodeMetaValue(raw)
		if err != nil {
			return fmt.Errorf("reading meta value for %q: %w", key, err)
		}
		m.Set(key, val)
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("reading meta: %w", err)
	}
	return nil
}

func decodeMetaValue(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty value")
	}
	switch trimmed[0] {
	case '{', '[':
		return json.RawMessage(append([]byte(nil), trimmed...)), nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
