package types

import (
	"encoding/json"
)

func (r ConfirmResponse) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(r.Metadata)+2)
	for k, v := range r.Metadata {
		m[k] = v
	}
	m["publicUrl"] = r.PublicURL
	m["key"] = r.Key
	return json.Marshal(m)
}

func (r *ConfirmResponse) UnmarshalJSON(b []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	r.PublicURL, _ = m["publicUrl"].(string)
	r.Key, _ = m["key"].(string)
	delete(m, "publicUrl")
	delete(m, "key")
	r.Metadata = m
	return nil
}
