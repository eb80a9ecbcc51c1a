// Package auth derives web-player access tokens from a long-lived sp_dc
// session cookie using Spotify's TOTP request-signing handshake.
package auth

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
)

const (
	// xorCycle and xorOffset define the index-dependent de-obfuscation
	// transform applied to the rotating secret bytes before encoding.
	xorCycle  = 33
	xorOffset = 9
)

// embeddedCiphers is the local table of obfuscated secret bytes keyed by
// version. Spotify rotates these periodically; the highest version wins.
// New entries are appended as the web player ships them.
var embeddedCiphers = map[int][]byte{
	17: {99, 111, 47, 88, 49, 56, 118, 75, 125, 110, 60, 64, 100, 98, 71, 115, 62, 121, 46, 57},
	18: {70, 60, 33, 57, 92, 120, 90, 33, 32, 62, 62, 55, 126, 93, 66, 35, 108, 68},
	19: {37, 84, 32, 76, 87, 90, 87, 47, 13, 75, 48, 54, 44, 28, 19, 21, 22},
}

// SecretSource yields the current TOTP cipher bytes and their version tag.
// Material is recomputed per token fetch; it is cheap and the paired server
// time would go stale if cached.
type SecretSource interface {
	Material(ctx context.Context) (cipher []byte, version int, err error)
}

// EmbeddedSecrets serves the locally embedded cipher table, selecting the
// highest version available.
type EmbeddedSecrets struct{}

func (EmbeddedSecrets) Material(_ context.Context) ([]byte, int, error) {
	version := -1
	for v := range embeddedCiphers {
		if v > version {
			version = v
		}
	}
	if version < 0 {
		return nil, 0, fmt.Errorf("embedded cipher table is empty")
	}
	return embeddedCiphers[version], version, nil
}

// FeedSecrets fetches the cipher table from a remote secrets feed and picks
// the highest version it lists. On any failure it falls back to the
// embedded table, so a dead feed never blocks token refresh.
type FeedSecrets struct {
	URL      string
	Client   *http.Client
	fallback EmbeddedSecrets
}

type feedEntry struct {
	Version int   `json:"version"`
	Secret  []int `json:"secret"`
}

func (f *FeedSecrets) Material(ctx context.Context) ([]byte, int, error) {
	cipher, version, err := f.fetch(ctx)
	if err != nil {
		return f.fallback.Material(ctx)
	}
	return cipher, version, nil
}

func (f *FeedSecrets) fetch(ctx context.Context) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, http.NoBody)
	if err != nil {
		return nil, 0, err
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("secrets feed returned status %d", resp.StatusCode)
	}

	var entries []feedEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, 0, fmt.Errorf("failed to decode secrets feed: %w", err)
	}
	if len(entries) == 0 {
		return nil, 0, fmt.Errorf("secrets feed is empty")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Version > entries[j].Version })
	latest := entries[0]

	cipher := make([]byte, len(latest.Secret))
	for i, b := range latest.Secret {
		if b < 0 || b > 255 {
			return nil, 0, fmt.Errorf("secrets feed entry v%d has byte out of range: %d", latest.Version, b)
		}
		cipher[i] = byte(b)
	}
	return cipher, latest.Version, nil
}

// deobfuscate reverses the web player's obfuscation transform: each byte is
// XORed with an index-dependent key, the results are concatenated as
// decimal digits, and the digit string's UTF-8 bytes are the HMAC secret.
func deobfuscate(cipher []byte) []byte {
	digits := ""
	for i, b := range cipher {
		digits += strconv.Itoa(int(b) ^ (i%xorCycle + xorOffset))
	}
	return []byte(digits)
}

// totpSecret produces the base32 shared secret for a cipher, as consumed by
// the TOTP code generator.
func totpSecret(cipher []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(deobfuscate(cipher))
}
