package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Record is one extracted row: field names mapped to values, remembering the
// order in which fields were first set.
type Record struct {
	keys   []string
	values map[string]Value
}

// New returns an empty Record.
func New() *Record {
	return &Record{values: make(map[string]Value)}
}

// FromMap builds a Record from decoded data. Keys are not ordered by the
// source map, so they are inserted in the order given by keys when non-empty
// and otherwise in sorted order.
func FromMap(in map[string]any, keys ...string) (*Record, error) {
	r := New()
	if len(keys) == 0 {
		keys = sortedKeys(in)
	}
	for _, k := range keys {
		raw, ok := in[k]
		if !ok {
			continue
		}
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		r.Set(k, v)
	}
	return r, nil
}

// Set assigns a field. Overwriting keeps the original position.
func (r *Record) Set(key string, v Value) {
	if r.values == nil {
		r.values = make(map[string]Value)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = v
}

// SetString is shorthand for Set(key, String(s)).
func (r *Record) SetString(key, s string) {
	r.Set(key, String(s))
}

// Get returns the field value and whether it was set.
func (r *Record) Get(key string) (Value, bool) {
	if r == nil {
		return Null(), false
	}
	v, ok := r.values[key]
	return v, ok
}

// Keys returns field names in insertion order.
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of fields.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Clone returns a shallow copy; Values are immutable so this is a full copy in
// practice.
func (r *Record) Clone() *Record {
	out := New()
	if r == nil {
		return out
	}
	for _, k := range r.keys {
		out.Set(k, r.values[k])
	}
	return out
}

// Equal compares field sets and values, ignoring order.
func (r *Record) Equal(o *Record) bool {
	if r.Len() != o.Len() {
		return false
	}
	for _, k := range r.Keys() {
		a, _ := r.Get(k)
		b, ok := o.Get(k)
		if !ok || !a.Equal(b) {
			return false
		}
	}
	return true
}

// Map converts the record to plain Go values.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, r.Len())
	for _, k := range r.Keys() {
		v, _ := r.Get(k)
		out[k] = v.Interface()
	}
	return out
}

// MarshalJSON writes fields in insertion order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("encode key: %w", err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		v, _ := r.Get(k)
		if err := v.encode(&buf); err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, preserving the key order of the document.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode record: expected object")
	}
	out := New()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode record key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decode record: non-string key")
		}
		var v Value
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("decode field %q: %w", key, err)
		}
		out.Set(key, v)
	}
	*r = *out
	return nil
}

func sortedKeys(in map[string]any) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
