package trust

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gatehub/internal/auth"
	"gatehub/internal/events"
	"gatehub/internal/registry"
	"gatehub/internal/store"
	"gatehub/internal/wire"
)

type recordChannel struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
}

func (r *recordChannel) WriteFrame(_ context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.frames = append(r.frames, data)
	return nil
}

func (r *recordChannel) Close(string) error { return nil }
func (r *recordChannel) RemoteAddr() string { return "10.2.2.2:2" }

func (r *recordChannel) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func genKeyB64(t *testing.T) (string, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(priv), pub, priv
}

func newTestAuthority(t *testing.T, appPub ed25519.PublicKey) (*Authority, *registry.Registry, store.Store) {
	t.Helper()
	logger := testLogger()
	bus := events.NewBus(64, logger)
	reg := registry.New(bus, logger)

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "gatehub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	opsB64, _, _ := genKeyB64(t)
	signer, err := NewSignerFromB64(opsB64)
	if err != nil {
		t.Fatalf("NewSignerFromB64: %v", err)
	}
	return NewAuthority(signer, reg, bus, st, appPub, time.Minute, logger), reg, st
}

func TestSignerFromSeed(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatal(err)
	}
	s, err := NewSignerFromB64(base64.StdEncoding.EncodeToString(seed))
	if err != nil {
		t.Fatalf("NewSignerFromB64 with seed: %v", err)
	}
	payload := []byte("hello")
	if !ed25519.Verify(s.PublicKey(), payload, s.Sign(payload)) {
		t.Error("signature from seed-derived key does not verify")
	}
}

func TestSignerInstallSwapsKey(t *testing.T) {
	b64, _, _ := genKeyB64(t)
	s, err := NewSignerFromB64(b64)
	if err != nil {
		t.Fatal(err)
	}
	oldPub := s.PublicKey()

	newPub, newPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Install(newPub, newPriv); err != nil {
		t.Fatalf("Install: %v", err)
	}

	payload := []byte("after swap")
	sig := s.Sign(payload)
	if !ed25519.Verify(newPub, payload, sig) {
		t.Error("signature does not verify against installed key")
	}
	if ed25519.Verify(oldPub, payload, sig) {
		t.Error("signature still verifies against the replaced key")
	}
}

func TestDecodeKeyErrors(t *testing.T) {
	if _, err := DecodePrivateKeyB64("not base64!!"); err == nil {
		t.Error("invalid base64 accepted")
	}
	if _, err := DecodePrivateKeyB64(base64.StdEncoding.EncodeToString(make([]byte, 16))); err == nil {
		t.Error("16-byte private key accepted")
	}
	if _, err := DecodePublicKeyB64(base64.StdEncoding.EncodeToString(make([]byte, 16))); err == nil {
		t.Error("16-byte public key accepted")
	}
}

func TestTimeSyncSignature(t *testing.T) {
	a, _, _ := newTestAuthority(t, nil)

	ts, err := a.IssueTimeSync("lock-7")
	if err != nil {
		t.Fatalf("IssueTimeSync: %v", err)
	}
	if ts.Packet.LockID != "lock-7" {
		t.Errorf("lock id = %q", ts.Packet.LockID)
	}
	now := time.Now().UnixMilli()
	if ts.Packet.TS > now || ts.Packet.TS < now-5000 {
		t.Errorf("packet ts = %d, now = %d", ts.Packet.TS, now)
	}

	sig, err := base64.StdEncoding.DecodeString(ts.Signature)
	if err != nil {
		t.Fatal(err)
	}
	if !ed25519.Verify(a.Signer().PublicKey(), ts.Payload, sig) {
		t.Error("time sync signature does not verify against ops key")
	}

	// Successive packets carry non-decreasing timestamps; the lock-side
	// monotonicity check depends on it.
	ts2, err := a.IssueTimeSync("")
	if err != nil {
		t.Fatal(err)
	}
	if ts2.Packet.TS < ts.Packet.TS {
		t.Errorf("second packet ts %d < first %d", ts2.Packet.TS, ts.Packet.TS)
	}
}

func TestRotateGeneratesAndBroadcasts(t *testing.T) {
	a, reg, st := newTestAuthority(t, nil)
	rootB64, rootPub, _ := genKeyB64(t)

	ops := auth.Identity{Name: "dev-ops", Role: auth.RoleDevAdmin}
	ch1 := &recordChannel{}
	ch2 := &recordChannel{}
	broken := &recordChannel{writeErr: errors.New("gone")}
	for f, ch := range map[string]*recordChannel{"a": ch1, "b": ch2, "c": broken} {
		if _, err := reg.Register(f, ch, ops); err != nil {
			t.Fatalf("Register %s: %v", f, err)
		}
	}

	res, err := a.Rotate(context.Background(), RotateRequest{RootPrivateKeyB64: rootB64}, "dev-ops")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if res.Delivered != 2 || res.Failed != 1 {
		t.Errorf("delivered = %d, failed = %d, want 2/1", res.Delivered, res.Failed)
	}
	if res.GeneratedKeyPair == nil {
		t.Fatal("no generated keypair returned")
	}

	// Gateway-side verification of the broadcast frame.
	if ch1.frameCount() != 1 {
		t.Fatalf("connection got %d frames, want 1", ch1.frameCount())
	}
	frame, err := wire.Decode(ch1.frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if frame.Type != wire.TypeRotate {
		t.Errorf("frame type = %q, want %q", frame.Type, wire.TypeRotate)
	}
	var rp wire.RotatePayload
	if err := json.Unmarshal(frame.Payload, &rp); err != nil {
		t.Fatal(err)
	}
	cmd, err := VerifyRotation(rp.Payload, rp.Signature, rootPub)
	if err != nil {
		t.Fatalf("VerifyRotation: %v", err)
	}
	if cmd.NewOpsPublicKey != res.GeneratedKeyPair.PublicKeyB64 {
		t.Error("broadcast key differs from generated key")
	}

	// Only the public half reaches durable storage.
	anchor, err := st.GetTrustAnchor()
	if err != nil {
		t.Fatalf("GetTrustAnchor: %v", err)
	}
	if anchor.OpsPublicKeyB64 != res.GeneratedKeyPair.PublicKeyB64 {
		t.Errorf("anchor key = %q", anchor.OpsPublicKeyB64)
	}

	entries, err := st.ListAudit(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Kind != "rotation" {
		t.Fatalf("audit entries = %+v", entries)
	}
	for k, v := range entries[0].Detail {
		if strings.Contains(v, res.GeneratedKeyPair.PrivateKeyB64) {
			t.Errorf("audit detail %q leaks the generated private key", k)
		}
		if strings.Contains(v, rootB64) {
			t.Errorf("audit detail %q leaks the root private key", k)
		}
	}
}

func TestRotateWithCustomKey(t *testing.T) {
	a, _, _ := newTestAuthority(t, nil)
	rootB64, rootPub, _ := genKeyB64(t)

	customPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	customB64 := base64.StdEncoding.EncodeToString(customPub)

	res, err := a.Rotate(context.Background(), RotateRequest{
		RootPrivateKeyB64:     rootB64,
		CustomOpsPublicKeyB64: customB64,
	}, "dev-ops")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if res.GeneratedKeyPair != nil {
		t.Error("custom-key rotation must not return a generated pair")
	}
	cmd, err := VerifyRotation(res.Payload, res.Signature, rootPub)
	if err != nil {
		t.Fatalf("VerifyRotation: %v", err)
	}
	if cmd.NewOpsPublicKey != customB64 {
		t.Errorf("broadcast key = %q, want custom key", cmd.NewOpsPublicKey)
	}
}

func TestRotateDistinctGeneratedPairs(t *testing.T) {
	a, _, _ := newTestAuthority(t, nil)
	rootB64, _, _ := genKeyB64(t)

	r1, err := a.Rotate(context.Background(), RotateRequest{RootPrivateKeyB64: rootB64}, "dev-ops")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := a.Rotate(context.Background(), RotateRequest{RootPrivateKeyB64: rootB64}, "dev-ops")
	if err != nil {
		t.Fatal(err)
	}
	if r1.GeneratedKeyPair.PublicKeyB64 == r2.GeneratedKeyPair.PublicKeyB64 {
		t.Error("two ceremonies generated the same keypair")
	}
}

func TestRotateRejectsBadRootKey(t *testing.T) {
	a, _, _ := newTestAuthority(t, nil)
	if _, err := a.Rotate(context.Background(), RotateRequest{RootPrivateKeyB64: "garbage"}, "dev-ops"); err == nil {
		t.Error("garbage root key accepted")
	}
}

func TestVerifyRotationRejectsTamper(t *testing.T) {
	a, _, _ := newTestAuthority(t, nil)
	rootB64, rootPub, _ := genKeyB64(t)

	res, err := a.Rotate(context.Background(), RotateRequest{RootPrivateKeyB64: rootB64}, "dev-ops")
	if err != nil {
		t.Fatal(err)
	}

	tampered := []byte(strings.Replace(string(res.Payload), RotationCmdType, "rotate_root_key", 1))
	if _, err := VerifyRotation(tampered, res.Signature, rootPub); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("tampered payload: err = %v, want ErrSignatureInvalid", err)
	}

	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	if _, err := VerifyRotation(res.Payload, res.Signature, otherPub); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("wrong root key: err = %v, want ErrSignatureInvalid", err)
	}
}

func TestRotateLateJoinerExcluded(t *testing.T) {
	a, reg, _ := newTestAuthority(t, nil)
	rootB64, _, _ := genKeyB64(t)
	ops := auth.Identity{Name: "dev-ops", Role: auth.RoleDevAdmin}

	early := &recordChannel{}
	if _, err := reg.Register("early", early, ops); err != nil {
		t.Fatal(err)
	}

	res, err := a.Rotate(context.Background(), RotateRequest{RootPrivateKeyB64: rootB64}, "dev-ops")
	if err != nil {
		t.Fatal(err)
	}
	if res.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1", res.Delivered)
	}

	late := &recordChannel{}
	if _, err := reg.Register("late", late, ops); err != nil {
		t.Fatal(err)
	}
	if late.frameCount() != 0 {
		t.Error("late joiner received a broadcast it predates")
	}
}

func signFallbackJWT(t *testing.T, priv ed25519.PrivateKey, claims FallbackClaims) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA","typ":"JWT"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	payload := header + "." + base64.RawURLEncoding.EncodeToString(body)
	sig := ed25519.Sign(priv, []byte(payload))
	return payload + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func TestFallbackPassIssued(t *testing.T) {
	appPub, appPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	a, _, st := newTestAuthority(t, appPub)

	token := signFallbackJWT(t, appPriv, FallbackClaims{
		Subject: "user-12",
		LockID:  "lock-7",
		Exp:     time.Now().Add(time.Minute).Unix(),
	})

	compact, pass, err := a.IssueFallbackPass(token)
	if err != nil {
		t.Fatalf("IssueFallbackPass: %v", err)
	}
	if pass.Subject != "user-12" || pass.LockID != "lock-7" {
		t.Errorf("pass = %+v", pass)
	}
	if pass.ExpiresAt <= pass.IssuedAt {
		t.Error("pass expires at or before issuance")
	}

	// The compact pass verifies against the operations key.
	parts := strings.Split(compact, ".")
	if len(parts) != 2 {
		t.Fatalf("compact pass has %d segments, want 2", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatal(err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatal(err)
	}
	if !ed25519.Verify(a.Signer().PublicKey(), payload, sig) {
		t.Error("route pass signature does not verify against ops key")
	}

	entries, err := st.ListAudit(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Kind != "fallback_pass" {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestFallbackPassRejections(t *testing.T) {
	appPub, appPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	a, _, _ := newTestAuthority(t, appPub)

	expired := signFallbackJWT(t, appPriv, FallbackClaims{
		Subject: "user-12",
		Exp:     time.Now().Add(-time.Minute).Unix(),
	})
	if _, _, err := a.IssueFallbackPass(expired); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("expired token: err = %v, want ErrSignatureInvalid", err)
	}

	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	misSigned := signFallbackJWT(t, otherPriv, FallbackClaims{
		Subject: "user-12",
		Exp:     time.Now().Add(time.Minute).Unix(),
	})
	if _, _, err := a.IssueFallbackPass(misSigned); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("mis-signed token: err = %v, want ErrSignatureInvalid", err)
	}

	if _, _, err := a.IssueFallbackPass("not.a"); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("malformed token: err = %v, want ErrSignatureInvalid", err)
	}

	// Pinned algorithm: a token claiming HS256 never reaches verification.
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256"}`))
	body, _ := json.Marshal(FallbackClaims{Subject: "x", Exp: time.Now().Add(time.Minute).Unix()})
	payload := header + "." + base64.RawURLEncoding.EncodeToString(body)
	sig := ed25519.Sign(appPriv, []byte(payload))
	wrongAlg := payload + "." + base64.RawURLEncoding.EncodeToString(sig)
	if _, _, err := a.IssueFallbackPass(wrongAlg); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("wrong alg: err = %v, want ErrSignatureInvalid", err)
	}
}

func TestFallbackPassNotConfigured(t *testing.T) {
	a, _, _ := newTestAuthority(t, nil)
	if _, _, err := a.IssueFallbackPass("a.b.c"); err == nil {
		t.Error("pass issued without an application public key")
	}
}
