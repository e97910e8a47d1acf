package store

import "time"

// Facility is the configuration record for a facility's gateway.
type Facility struct {
	ID               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	ConnectURL       string    `json:"connect_url,omitempty"`
	PollFrequencySec int       `json:"poll_frequency_sec,omitempty"`
	ProtocolVersion  string    `json:"protocol_version,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AuditEntry is the durable trace of a control-plane action. Key material
// never appears in an entry.
type AuditEntry struct {
	ID       string            `json:"id"`
	TS       time.Time         `json:"ts"`
	Kind     string            `json:"kind"` // "command", "rotation", "fallback_pass"
	Facility string            `json:"facility_id,omitempty"`
	Actor    string            `json:"actor"`
	Detail   map[string]string `json:"detail,omitempty"`
}

// TrustAnchor records the most recently distributed operations public key.
type TrustAnchor struct {
	OpsPublicKeyB64 string    `json:"ops_public_key_b64"`
	RotatedAt       time.Time `json:"rotated_at"`
}
