package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Field is a single form field.
type Field struct {
	Name  string
	Value string
}

// Fields is an ordered set of form fields encoded as a JSON object. Order
// matters to providers that sign a policy over the preceding fields, so it
// is preserved in both directions.
type Fields []Field

// Get returns the value of the first field called name.
func (f Fields) Get(name string) (string, bool) {
	for _, fd := range f {
		if fd.Name == name {
			return fd.Value, true
		}
	}
	return "", false
}

func (f Fields) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, fd := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(fd.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(fd.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (f *Fields) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*f = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("formData: expected object, got %v", tok)
	}
	out := Fields{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := kt.(string)
		if !ok {
			return fmt.Errorf("formData: expected string key, got %v", kt)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			// numbers and booleans are accepted verbatim
			value = string(raw)
		}
		out = append(out, Field{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*f = out
	return nil
}
