package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// flexInt decodes either a JSON number or a numeric string ("12"), the
// latter being how the warehouse export files carry quantities.
type flexInt struct {
	Value int64
	Set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if strings.HasPrefix(raw, `"`) {
		unq, err := strconv.Unquote(raw)
		if err != nil {
			return err
		}
		raw = strings.TrimSpace(unq)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", string(data), err)
	}
	f.Value = v
	f.Set = true
	return nil
}

// flexTime decodes epoch milliseconds (number or numeric string) or an
// ISO-8601 string.
type flexTime struct {
	Value time.Time
	Set   bool
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	var s string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	ts, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	f.Value = ts
	f.Set = true
	return nil
}

// ParseTimestamp accepts epoch milliseconds or RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return NormalizeTimestamp(time.UnixMilli(ms)), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return NormalizeTimestamp(ts), nil
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(vals ...flexInt) flexInt {
	for _, v := range vals {
		if v.Set {
			return v
		}
	}
	return flexInt{}
}

func firstTime(vals ...flexTime) flexTime {
	for _, v := range vals {
		if v.Set {
			return v
		}
	}
	return flexTime{}
}
