package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrUnauthorized = errors.New("invalid or expired credential")

// Identity is what a verified credential asserts about the caller.
type Identity struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	IsAdmin     bool      `json:"is_admin"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Authenticator is the identity collaborator the update pipeline consumes.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*Identity, error)
}

// HMACAuthenticator verifies HMAC-SHA256 signed credentials minted by the
// platform's login service (which shares the secret).
type HMACAuthenticator struct {
	secret []byte
}

func NewHMACAuthenticator(secret string) *HMACAuthenticator {
	return &HMACAuthenticator{secret: []byte(secret)}
}

func (a *HMACAuthenticator) Authenticate(_ context.Context, credential string) (*Identity, error) {
	encodedData, encodedSig, ok := strings.Cut(credential, ".")
	if !ok {
		return nil, ErrUnauthorized
	}

	data, err := base64.RawURLEncoding.DecodeString(encodedData)
	if err != nil {
		return nil, ErrUnauthorized
	}
	sig, err := base64.RawURLEncoding.DecodeString(encodedSig)
	if err != nil {
		return nil, ErrUnauthorized
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write(data)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrUnauthorized
	}

	var identity Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, ErrUnauthorized
	}
	if identity.UserID == "" || time.Now().After(identity.ExpiresAt) {
		return nil, ErrUnauthorized
	}
	return &identity, nil
}

// IssueCredential signs an identity, used by the dev login flow and tests.
func (a *HMACAuthenticator) IssueCredential(identity Identity, ttl time.Duration) (string, error) {
	identity.ExpiresAt = time.Now().Add(ttl)

	data, err := json.Marshal(identity)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write(data)
	sig := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(data) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}
