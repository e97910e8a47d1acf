package trust

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// TimeSyncPacket is an ephemeral, signed timestamp. Locks reject any
// packet whose ts is not strictly greater than the last accepted value;
// that monotonicity check lives on the lock side.
type TimeSyncPacket struct {
	TS     int64  `json:"ts"` // epoch milliseconds
	LockID string `json:"lock_id,omitempty"`
}

// SignedTimeSync carries a packet plus its operations-key signature over
// the exact payload bytes.
type SignedTimeSync struct {
	Packet    TimeSyncPacket  `json:"time_sync_packet"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// IssueTimeSync signs the current time with the operations key. lockID is
// optional and scopes the packet to one lock for the caller's relaying
// convenience; it does not change the signing scheme.
func (a *Authority) IssueTimeSync(lockID string) (*SignedTimeSync, error) {
	packet := TimeSyncPacket{
		TS:     time.Now().UnixMilli(),
		LockID: lockID,
	}
	payload, err := json.Marshal(packet)
	if err != nil {
		return nil, fmt.Errorf("marshal time sync packet: %w", err)
	}
	sig := a.signer.Sign(payload)
	return &SignedTimeSync{
		Packet:    packet,
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}
