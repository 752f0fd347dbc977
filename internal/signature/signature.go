package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Separator joins the canonical message fields. No field may contain it.
const Separator = "|"

// SecretBytes is the amount of entropy in a device secret.
const SecretBytes = 32

// ErrSeparatorInField is returned when a message field contains Separator.
var ErrSeparatorInField = errors.New("signature: field contains separator")

// Message is the set of fields a device signs for one ingestion request.
type Message struct {
	DeviceID         string
	RequestTimestamp string
	DeviceTimestamp  string
	Energy           decimal.Decimal
}

// Canonical renders the message in its fixed field order.
func (m Message) Canonical() (string, error) {
	fields := []string{m.DeviceID, m.RequestTimestamp, m.DeviceTimestamp, CanonicalEnergy(m.Energy)}
	for _, f := range fields {
		if strings.Contains(f, Separator) {
			return "", ErrSeparatorInField
		}
	}
	return strings.Join(fields, Separator), nil
}

// CanonicalEnergy is the decimal string devices must sign: no exponent, no
// trailing zeros, "0" for any zero value.
func CanonicalEnergy(v decimal.Decimal) string {
	return v.String()
}

// Sign computes HMAC-SHA256 over message keyed by secret, base64url encoded
// without padding.
func Sign(secret, message string) string {
	return base64.RawURLEncoding.EncodeToString(mac(secret, message))
}

// Verify reports whether code is exactly the signature Sign produces for
// message under secret. Any other spelling, padded or not, returns false.
func Verify(secret, message, code string) bool {
	if len(code) != base64.RawURLEncoding.EncodedLen(sha256.Size) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, message)), []byte(code))
}

// GenerateSecret returns a fresh random device secret in base64 form.
func GenerateSecret() (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func mac(secret, message string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return h.Sum(nil)
}
