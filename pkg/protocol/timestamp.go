package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/araddon/dateparse"
	"github.com/pkg/errors"
)

// Timestamp marshals as RFC3339 and accepts any layout dateparse understands,
// since the server side is not consistent about timestamp formats.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] != '"' {
		// epoch millis
		var ms int64
		if err := json.Unmarshal(b, &ms); err != nil {
			return errors.Wrap(err, "parse timestamp")
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "parse timestamp")
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return errors.Wrapf(err, "parse timestamp %q", s)
	}
	t.Time = parsed.UTC()
	return nil
}
