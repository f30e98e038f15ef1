package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/SirClappington/docpipe/internal/domain"
)

const (
	HeaderEvent      = "X-Event"
	HeaderSignature  = "X-Signature"
	HeaderTimestamp  = "X-Signature-Timestamp"
	HeaderDeliveryID = "X-Delivery-ID"

	signaturePrefix = "sha256="

	// DefaultMaxAge is the replay window receivers should enforce.
	DefaultMaxAge = 5 * time.Minute
)

// Sign returns "sha256=<hex>" of HMAC-SHA256(secret, "{timestamp}.{payload}")
// with the timestamp in RFC 3339.
func Sign(payload []byte, secret string, ts time.Time) string {
	return sign(payload, secret, ts.UTC().Format(time.RFC3339))
}

func sign(payload []byte, secret, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks a received delivery. The timestamp is checked
// first so stale replays are rejected without computing a MAC.
func ValidateSignature(payload []byte, signature, secret, timestamp string, maxAge time.Duration) error {
	return validateAt(time.Now(), payload, signature, secret, timestamp, maxAge)
}

func validateAt(now time.Time, payload []byte, signature, secret, timestamp string, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return domain.ErrMalformedSignature
	}
	if age := now.Sub(ts); age > maxAge || age < -maxAge {
		return domain.ErrStaleTimestamp
	}
	want := sign(payload, secret, timestamp)
	if len(signature) != len(want) {
		return domain.ErrSignatureMismatch
	}
	if !hmac.Equal([]byte(signature), []byte(want)) {
		return domain.ErrSignatureMismatch
	}
	return nil
}

// ExtractSignatureComponents pulls the signature and timestamp headers from a
// received delivery.
func ExtractSignatureComponents(h http.Header) (signature, timestamp string, err error) {
	signature, timestamp = h.Get(HeaderSignature), h.Get(HeaderTimestamp)
	if signature == "" || timestamp == "" {
		return "", "", domain.ErrMalformedSignature
	}
	return signature, timestamp, nil
}
