package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"aegis/pkg/models"
)

// Signer derives a deterministic signature from the core fields of a
// decision. Call sites depend only on this interface so the scheme can
// be upgraded without touching them.
type Signer interface {
	Sign(userID, resourceID, action string, granted bool, decisionTime time.Time) string
}

// Payload is the canonical byte string every scheme signs:
// "{userId}:{resourceId}:{action}:{granted}:{decisionTimeISO8601}".
func Payload(userID, resourceID, action string, granted bool, decisionTime time.Time) string {
	return strings.Join([]string{
		userID,
		resourceID,
		action,
		strconv.FormatBool(granted),
		models.ISOTime(decisionTime),
	}, ":")
}

// PlainSigner is the placeholder scheme: base64 of the raw payload.
// It is not cryptographic; deployments that need tamper resistance
// swap in HMACSigner behind the same interface.
type PlainSigner struct{}

func (PlainSigner) Sign(userID, resourceID, action string, granted bool, decisionTime time.Time) string {
	return base64.StdEncoding.EncodeToString([]byte(Payload(userID, resourceID, action, granted, decisionTime)))
}

// Verify recomputes a plain signature and compares in constant time.
func (s PlainSigner) Verify(signature, userID, resourceID, action string, granted bool, decisionTime time.Time) bool {
	want := s.Sign(userID, resourceID, action, granted, decisionTime)
	return subtle.ConstantTimeCompare([]byte(signature), []byte(want)) == 1
}

// HMACSigner signs the same payload with HMAC-SHA256.
type HMACSigner struct {
	key []byte
}

func NewHMACSigner(key []byte) *HMACSigner {
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACSigner{key: k}
}

func (s *HMACSigner) Sign(userID, resourceID, action string, granted bool, decisionTime time.Time) string {
	mac := hmac.New(sha256.New, s.key)
	_, _ = mac.Write([]byte(Payload(userID, resourceID, action, granted, decisionTime)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *HMACSigner) Verify(signature, userID, resourceID, action string, granted bool, decisionTime time.Time) bool {
	want := s.Sign(userID, resourceID, action, granted, decisionTime)
	return hmac.Equal([]byte(signature), []byte(want))
}
