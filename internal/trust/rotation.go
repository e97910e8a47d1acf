package trust

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gatehub/internal/events"
	"gatehub/internal/registry"
	"gatehub/internal/store"
	"gatehub/internal/wire"
)

// RotationCmdType is the one command type gateways accept without already
// trusting the current operations key; its signature must verify against
// the root public key baked into gateway firmware.
const RotationCmdType = "rotate_operations_key"

// Authority issues time-sync packets and runs the rotation ceremony.
type Authority struct {
	signer       *Signer
	registry     *registry.Registry
	bus          *events.Bus
	store        store.Store
	appPublicKey ed25519.PublicKey
	passTTL      time.Duration
	logger       *slog.Logger
}

// NewAuthority wires the time/rotation authority. appPublicKey verifies
// fallback-pass tokens and may be nil to disable that path.
func NewAuthority(signer *Signer, reg *registry.Registry, bus *events.Bus, st store.Store, appPublicKey ed25519.PublicKey, passTTL time.Duration, logger *slog.Logger) *Authority {
	if passTTL <= 0 {
		passTTL = 5 * time.Minute
	}
	return &Authority{
		signer:       signer,
		registry:     reg,
		bus:          bus,
		store:        st,
		appPublicKey: appPublicKey,
		passTTL:      passTTL,
		logger:       logger.With("component", "trust"),
	}
}

// Signer returns the operations signing service.
func (a *Authority) Signer() *Signer { return a.signer }

// RotationCommand is the signed ceremony payload. Constructed once per
// rotation, broadcast, and discarded; never persisted as state.
type RotationCommand struct {
	CmdType         string `json:"cmd_type"`
	NewOpsPublicKey string `json:"new_ops_public_key"` // base64
	TS              int64  `json:"ts"`                 // epoch milliseconds
}

// RotateRequest carries the operator's inputs. The root private key is
// held only for the duration of the call; it is never logged or persisted.
type RotateRequest struct {
	RootPrivateKeyB64     string `json:"root_private_key_b64"`
	CustomOpsPublicKeyB64 string `json:"custom_ops_public_key_b64,omitempty"`
}

// GeneratedKeyPair is returned exactly once when the ceremony generated
// the new operations keypair itself. The private half is never written to
// durable storage; the operator installs it into the signing service's
// next configuration.
type GeneratedKeyPair struct {
	PublicKeyB64  string `json:"public_key_b64"`
	PrivateKeyB64 string `json:"private_key_b64"`
}

// RotateResult is the ceremony outcome. The new operations key is not yet
// authoritative for signing: the ceremony only distributes trust to the
// gateways.
type RotateResult struct {
	Payload          json.RawMessage   `json:"payload"`
	Signature        string            `json:"signature"`
	GeneratedKeyPair *GeneratedKeyPair `json:"generated_ops_key_pair,omitempty"`
	Delivered        int               `json:"delivered"`
	Failed           int               `json:"failed"`
}

// Rotate executes the rotation ceremony: sign a RotationCommand carrying
// the new operations public key with the operator-supplied root private
// key, then broadcast it to every currently-registered connection.
//
// The broadcast iterates a registry snapshot; a gateway that registers
// after the snapshot does not receive it and learns the new key through
// its own reconnect/fallback path. Per-connection failures are logged and
// never abort delivery to the rest of the fleet.
func (a *Authority) Rotate(ctx context.Context, req RotateRequest, actor string) (*RotateResult, error) {
	rootPriv, err := DecodePrivateKeyB64(req.RootPrivateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("root private key: %w", err)
	}

	var newOpsPub ed25519.PublicKey
	var generated *GeneratedKeyPair
	if req.CustomOpsPublicKeyB64 != "" {
		newOpsPub, err = DecodePublicKeyB64(req.CustomOpsPublicKeyB64)
		if err != nil {
			return nil, fmt.Errorf("custom ops public key: %w", err)
		}
	} else {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ops keypair: %w", err)
		}
		newOpsPub = pub
		generated = &GeneratedKeyPair{
			PublicKeyB64:  base64.StdEncoding.EncodeToString(pub),
			PrivateKeyB64: base64.StdEncoding.EncodeToString(priv),
		}
	}

	cmd := RotationCommand{
		CmdType:         RotationCmdType,
		NewOpsPublicKey: base64.StdEncoding.EncodeToString(newOpsPub),
		TS:              time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal rotation command: %w", err)
	}
	signature := ed25519.Sign(rootPriv, payload)
	sigB64 := base64.StdEncoding.EncodeToString(signature)

	frame, err := wire.NewFrame(wire.TypeRotate, wire.RotatePayload{
		Payload:   payload,
		Signature: sigB64,
	})
	if err != nil {
		return nil, err
	}
	data, err := wire.Encode(frame)
	if err != nil {
		return nil, err
	}

	delivered, failed := 0, 0
	for _, conn := range a.registry.Snapshot() {
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := conn.WriteFrame(writeCtx, data)
		cancel()
		if err != nil {
			failed++
			a.logger.Warn("rotation broadcast write failed", "facility", conn.Facility(), "err", err)
			continue
		}
		delivered++
		a.bus.Publish(events.Event{
			Facility:  conn.Facility(),
			Kind:      events.KindFrameSent,
			Direction: "out",
			Remote:    conn.RemoteAddr(),
			FrameType: wire.TypeRotate,
		})
	}

	a.bus.Publish(events.Event{
		Kind:      events.KindRotationBroadcast,
		Direction: "out",
		FrameType: wire.TypeRotate,
		Detail:    fmt.Sprintf("delivered=%d failed=%d", delivered, failed),
	})

	if a.store != nil {
		anchor := &store.TrustAnchor{OpsPublicKeyB64: cmd.NewOpsPublicKey, RotatedAt: time.Now()}
		if err := a.store.PutTrustAnchor(anchor); err != nil {
			a.logger.Error("record trust anchor", "err", err)
		}
		entry := &store.AuditEntry{
			ID:    uuid.NewString(),
			TS:    time.Now(),
			Kind:  "rotation",
			Actor: actor,
			Detail: map[string]string{
				"new_ops_public_key": cmd.NewOpsPublicKey,
				"delivered":          fmt.Sprintf("%d", delivered),
				"failed":             fmt.Sprintf("%d", failed),
			},
		}
		if err := a.store.AppendAudit(entry); err != nil {
			a.logger.Error("append rotation audit entry", "err", err)
		}
	}

	a.logger.Info("operations key rotation broadcast", "delivered", delivered, "failed", failed, "generated", generated != nil)
	return &RotateResult{
		Payload:          payload,
		Signature:        sigB64,
		GeneratedKeyPair: generated,
		Delivered:        delivered,
		Failed:           failed,
	}, nil
}

// VerifyRotation checks a rotation command against a root public key over
// the exact payload bytes. This is the gateway-side half of the ceremony;
// the hub uses it in the simulated gateway and in tests.
func VerifyRotation(payload []byte, signatureB64 string, rootPub ed25519.PublicKey) (*RotationCommand, error) {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(rootPub, payload, sig) {
		return nil, ErrSignatureInvalid
	}
	var cmd RotationCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal rotation command: %w", err)
	}
	if cmd.CmdType != RotationCmdType {
		return nil, fmt.Errorf("unexpected cmd_type %q", cmd.CmdType)
	}
	return &cmd, nil
}
