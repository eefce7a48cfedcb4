package domain

import (
	"bytes"
	"encoding/json"
)

// EnvironmentReport is the one-shot snapshot a client submits at stage 3.
// Fields are pointers so an omitted field fails its check instead of
// silently reading as a zero value.
type EnvironmentReport struct {
	HasTTY          *bool    `json:"has_tty"`
	DisplaySet      *bool    `json:"display_set"`
	UptimeSeconds   *float64 `json:"uptime_seconds"`
	OpenConnections *int     `json:"open_connections"`
	ParentProcess   string   `json:"parent_process"`
}

// UnmarshalJSON decodes the report field by field. A field holding the wrong
// JSON type is left unset, so only its own check fails.
func (r *EnvironmentReport) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*r = EnvironmentReport{
		HasTTY:          decodeField[bool](fields["has_tty"]),
		DisplaySet:      decodeField[bool](fields["display_set"]),
		UptimeSeconds:   decodeField[float64](fields["uptime_seconds"]),
		OpenConnections: decodeField[int](fields["open_connections"]),
	}
	if p := decodeField[string](fields["parent_process"]); p != nil {
		r.ParentProcess = *p
	}
	return nil
}

func decodeField[T any](raw json.RawMessage) *T {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}
