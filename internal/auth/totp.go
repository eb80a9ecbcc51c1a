package auth

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // TOTP (RFC 6238) mandates HMAC-SHA1
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// totpPeriod is the code window length.
	totpPeriod = 30 * time.Second
	// totpDigits is the code length.
	totpDigits = 6
)

// totpCode computes the 6-digit code for the 30-second window containing t.
// The secret is base32 without padding, as produced by totpSecret. The same
// t always yields the same code; adjacent windows generally differ.
func totpCode(secret string, t time.Time) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("invalid totp secret: %w", err)
	}

	counter := uint64(t.Unix()) / uint64(totpPeriod.Seconds())

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// Dynamic truncation per RFC 4226 §5.3.
	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%06d", code%1_000_000), nil
}
