package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ExtractedRow is an ordered mapping from field name to an optional string.
// A field can be present but missing (nil), which is how absent selector
// matches are represented.
type ExtractedRow struct {
	keys   []string
	values map[string]*string
}

func NewExtractedRow() *ExtractedRow {
	return &ExtractedRow{values: make(map[string]*string)}
}

// Set stores a value for name, appending name to the field order on first use.
func (r *ExtractedRow) Set(name, value string) {
	r.put(name, &value)
}

// SetMissing records name with no value.
func (r *ExtractedRow) SetMissing(name string) {
	r.put(name, nil)
}

func (r *ExtractedRow) put(name string, value *string) {
	if r.values == nil {
		r.values = make(map[string]*string)
	}
	if _, ok := r.values[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.values[name] = value
}

// Get returns the value for name and whether it is present and non-missing.
func (r *ExtractedRow) Get(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	v, ok := r.values[name]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

// Value returns the value for name or the empty string.
func (r *ExtractedRow) Value(name string) string {
	v, _ := r.Get(name)
	return v
}

func (r *ExtractedRow) Fields() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r *ExtractedRow) Len() int { return len(r.keys) }

func (r *ExtractedRow) Clone() *ExtractedRow {
	c := &ExtractedRow{
		keys:   make([]string, len(r.keys)),
		values: make(map[string]*string, len(r.values)),
	}
	copy(c.keys, r.keys)
	for k, v := range r.values {
		if v != nil {
			s := *v
			c.values[k] = &s
		} else {
			c.values[k] = nil
		}
	}
	return c
}

// Merge copies every present value of other into r. Missing values in other
// never overwrite values already in r.
func (r *ExtractedRow) Merge(other *ExtractedRow) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		if v, ok := other.Get(k); ok {
			r.Set(k, v)
		} else if _, exists := r.values[k]; !exists {
			r.SetMissing(k)
		}
	}
}

// MarshalJSON writes the row as a JSON object preserving field order.
func (r *ExtractedRow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *ExtractedRow) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("extracted row: expected object, got %v", tok)
	}
	r.keys = nil
	r.values = make(map[string]*string)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("extracted row: expected key, got %v", tok)
		}
		var v *string
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("extracted row: field %q: %w", key, err)
		}
		r.put(key, v)
	}
	_, err = dec.Token()
	return err
}
