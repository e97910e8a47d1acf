package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gatehub/internal/store"
)

// FallbackClaims are the verified contents of an application-signed
// fallback token. The token authorizes a device that cannot reach its
// gateway to request a short-lived route pass directly from the hub.
type FallbackClaims struct {
	Subject string `json:"sub"`
	LockID  string `json:"lock_id,omitempty"`
	Exp     int64  `json:"exp"` // epoch seconds
}

// RoutePass is a short-lived pass signed with the operations key. Compact
// form: base64url(payload) "." base64url(signature).
type RoutePass struct {
	PassID    string `json:"pass_id"`
	Subject   string `json:"sub"`
	LockID    string `json:"lock_id,omitempty"`
	IssuedAt  int64  `json:"iat"` // epoch seconds
	ExpiresAt int64  `json:"exp"` // epoch seconds
}

// IssueFallbackPass verifies an application-signed JWT (EdDSA) and, on
// success, mints a route pass signed by the operations key. Expired,
// malformed, or mis-signed tokens return ErrSignatureInvalid wrapped with
// detail.
func (a *Authority) IssueFallbackPass(signedJWT string) (string, *RoutePass, error) {
	if a.appPublicKey == nil {
		return "", nil, fmt.Errorf("fallback pass issuance not configured")
	}

	claims, err := verifyFallbackToken(signedJWT, a.appPublicKey)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	pass := &RoutePass{
		PassID:    uuid.NewString(),
		Subject:   claims.Subject,
		LockID:    claims.LockID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(a.passTTL).Unix(),
	}
	payload, err := json.Marshal(pass)
	if err != nil {
		return "", nil, fmt.Errorf("marshal route pass: %w", err)
	}
	sig := a.signer.Sign(payload)
	compact := base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig)

	if a.store != nil {
		entry := &store.AuditEntry{
			ID:    pass.PassID,
			TS:    now,
			Kind:  "fallback_pass",
			Actor: claims.Subject,
			Detail: map[string]string{
				"lock_id": claims.LockID,
			},
		}
		if err := a.store.AppendAudit(entry); err != nil {
			a.logger.Error("append fallback pass audit entry", "err", err)
		}
	}

	a.logger.Info("fallback pass issued", "subject", claims.Subject, "lock", claims.LockID, "pass", pass.PassID)
	return compact, pass, nil
}

// verifyFallbackToken checks an EdDSA JWT against the application public
// key: signature over header "." claims, alg pinned to EdDSA, exp in the
// future.
func verifyFallbackToken(token string, appPub ed25519.PublicKey) (*FallbackClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("token must have 3 segments: %w", ErrSignatureInvalid)
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", ErrSignatureInvalid)
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("parse header: %w", ErrSignatureInvalid)
	}
	if header.Alg != "EdDSA" {
		return nil, fmt.Errorf("alg %q not accepted: %w", header.Alg, ErrSignatureInvalid)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", ErrSignatureInvalid)
	}
	if !ed25519.Verify(appPub, []byte(parts[0]+"."+parts[1]), sig) {
		return nil, ErrSignatureInvalid
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode claims: %w", ErrSignatureInvalid)
	}
	var claims FallbackClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", ErrSignatureInvalid)
	}
	if claims.Exp <= time.Now().Unix() {
		return nil, fmt.Errorf("token expired: %w", ErrSignatureInvalid)
	}
	return &claims, nil
}
