package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"freespot/internal/core"
)

const (
	defaultTokenURL      = "https://open.spotify.com/api/token"
	defaultServerTimeURL = "https://open.spotify.com/api/server-time"
	defaultProbeURL      = "https://api.spotify.com/v1/me"

	// DefaultSecretsFeedURL is the community-maintained feed of rotating
	// cipher versions, used when remote secret lookup is enabled.
	DefaultSecretsFeedURL = "https://raw.githubusercontent.com/Thereallo1026/spotify-secrets/main/secrets/secretDict.json"

	// browserUserAgent impersonates the web player; the token endpoint
	// rejects unknown clients.
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

	// plausibleTokenLength is the minimum length of a full web-player
	// bearer token. Shorter grants are degraded and must be refetched with
	// the alternate request mode.
	plausibleTokenLength = 300

	reasonTransport = "transport"
	reasonInit      = "init"
)

// Forge exchanges the long-lived sp_dc cookie for short-lived web-player
// bearer tokens via the TOTP handshake. It owns no shared state; callers
// publish the returned token themselves.
type Forge struct {
	logger  *zap.Logger
	client  *http.Client
	secrets SecretSource

	tokenURL      string
	serverTimeURL string
	probeURL      string

	maxAttempts int
	baseDelay   time.Duration
}

func NewForge(secrets SecretSource, cfg *core.AppConfig, logger *zap.Logger) *Forge {
	return &Forge{
		logger:        logger,
		client:        &http.Client{Timeout: cfg.RequestTimeout},
		secrets:       secrets,
		tokenURL:      defaultTokenURL,
		serverTimeURL: defaultServerTimeURL,
		probeURL:      defaultProbeURL,
		maxAttempts:   cfg.MaxRetries,
		baseDelay:     cfg.RetryBaseDelay,
	}
}

// AccessToken runs the full handshake: secret material, server time, TOTP
// code, token exchange, validation probe. Transient failures are retried
// with exponential backoff up to the attempt ceiling; credential rejection
// aborts immediately as a core.AuthError.
func (f *Forge) AccessToken(ctx context.Context, credential string) (core.AccessToken, error) {
	if credential == "" {
		return core.AccessToken{}, &core.AuthError{Reason: "empty sp_dc credential"}
	}

	var lastErr error
	delay := f.baseDelay

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		token, err := f.fetchOnce(ctx, credential)
		if err == nil {
			f.logger.Debug("Access token derived", zap.Int("attempt", attempt))
			return token, nil
		}

		if core.IsAuthError(err) {
			return core.AccessToken{}, err
		}
		if ctx.Err() != nil {
			return core.AccessToken{}, ctx.Err()
		}

		lastErr = err
		f.logger.Warn("Token fetch attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < f.maxAttempts {
			select {
			case <-ctx.Done():
				return core.AccessToken{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return core.AccessToken{}, &core.TokenRefreshError{Attempts: f.maxAttempts, Err: lastErr}
}

func (f *Forge) fetchOnce(ctx context.Context, credential string) (core.AccessToken, error) {
	cipher, version, err := f.secrets.Material(ctx)
	if err != nil {
		return core.AccessToken{}, fmt.Errorf("failed to obtain totp material: %w", err)
	}
	secret := totpSecret(cipher)

	serverTime, err := f.serverTime(ctx)
	if err != nil {
		return core.AccessToken{}, fmt.Errorf("failed to fetch server time: %w", err)
	}

	code, err := totpCode(secret, serverTime)
	if err != nil {
		return core.AccessToken{}, err
	}

	value, err := f.requestToken(ctx, credential, code, version, serverTime, reasonTransport)
	if err != nil {
		return core.AccessToken{}, err
	}

	if len(value) < plausibleTokenLength {
		// Older server behavior hands out a truncated grant for the first
		// request mode; one retry with the alternate mode recovers it.
		f.logger.Debug("Implausible token length, retrying with alternate mode",
			zap.Int("length", len(value)))
		value, err = f.requestToken(ctx, credential, code, version, serverTime, reasonInit)
		if err != nil {
			return core.AccessToken{}, err
		}
		if len(value) < plausibleTokenLength {
			return core.AccessToken{}, fmt.Errorf("token implausibly short in both request modes (%d chars)", len(value))
		}
	}

	if err := f.probe(ctx, value); err != nil {
		return core.AccessToken{}, err
	}

	return core.AccessToken{Value: value, DerivedAt: time.Now()}, nil
}

// serverTime fetches the authoritative clock; local skew breaks the TOTP
// window.
func (f *Forge) serverTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.serverTimeURL, http.NoBody)
	if err != nil {
		return time.Time{}, err
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("server time endpoint returned status %d", resp.StatusCode)
	}

	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode server time: %w", err)
	}
	if payload.ServerTime <= 0 {
		return time.Time{}, fmt.Errorf("server time endpoint returned %d", payload.ServerTime)
	}

	return time.Unix(payload.ServerTime, 0), nil
}

func (f *Forge) requestToken(ctx context.Context, credential, code string, version int, serverTime time.Time, reason string) (string, error) {
	params := url.Values{}
	params.Set("reason", reason)
	params.Set("productType", "web-player")
	params.Set("totp", code)
	params.Set("totpServer", code)
	params.Set("totpVer", strconv.Itoa(version))
	params.Set("sTime", strconv.FormatInt(serverTime.Unix(), 10))
	params.Set("cTime", strconv.FormatInt(time.Now().UnixMilli(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.tokenURL+"?"+params.Encode(), http.NoBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.AddCookie(&http.Cookie{Name: "sp_dc", Value: credential})

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &core.AuthError{Reason: fmt.Sprintf("token endpoint rejected session cookie with status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"accessToken"`
		IsAnonymous bool   `json:"isAnonymous"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	if payload.IsAnonymous {
		// An anonymous grant means the cookie no longer maps to a logged-in
		// session; retrying with the same credential cannot help.
		return "", &core.AuthError{Reason: "token endpoint returned anonymous grant"}
	}
	if payload.AccessToken == "" {
		return "", errors.New("token endpoint returned empty access token")
	}

	return payload.AccessToken, nil
}

// probe verifies a candidate token against a lightweight authenticated
// endpoint. Only tokens that pass are handed to callers.
func (f *Forge) probe(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.probeURL, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("App-Platform", "WebPlayer")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token failed validation probe with status %d", resp.StatusCode)
	}
	return nil
}
