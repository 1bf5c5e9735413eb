package analysis

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes the persisted representation of r.
func Marshal(r *Record) ([]byte, error) {
	c := *r
	if c.SchemaVersion == 0 {
		c.SchemaVersion = SchemaVersion
	}
	return json.Marshal(&c)
}

// Unmarshal decodes a persisted record. Unknown fields are ignored so records written
// by newer versions still load.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("decode record: missing analysis_id")
	}
	if !r.Status.Valid() {
		return nil, fmt.Errorf("decode record %s: unknown status %q", r.ID, r.Status)
	}
	return &r, nil
}

// Size returns the serialized size used for aggregate accounting.
func Size(r *Record) int64 {
	b, err := Marshal(r)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
