package core

import (
	"time"
)

type Config struct {
	Spotify SpotifyConfig
	Server  ServerConfig
	Log     LogConfig
	App     AppConfig
}

type SpotifyConfig struct {
	// SPDC is the long-lived sp_dc session cookie. Supplied once at
	// configuration time, never rotated by the daemon.
	SPDC        string
	DisplayName string
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type AppConfig struct {
	// RequestTimeout bounds every outgoing network call.
	RequestTimeout time.Duration
	// MaxRetries is the attempt ceiling for transient token/transport
	// failures.
	MaxRetries int
	// RetryBaseDelay is the first exponential-backoff step.
	RetryBaseDelay time.Duration
	// ReconnectDelay is the base delay before re-entering Connecting after
	// a faulted session; a jitter of up to the same amount is added.
	ReconnectDelay time.Duration
	// SessionRenewal tears down and rebuilds the real-time session
	// proactively regardless of observed failures.
	SessionRenewal time.Duration
	// PingInterval is the keep-alive cadence on the dealer socket.
	PingInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Spotify: SpotifyConfig{
			DisplayName: "Freespot",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		App: AppConfig{
			RequestTimeout: 10 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			ReconnectDelay: 10 * time.Second,
			SessionRenewal: time.Hour,
			PingInterval:   30 * time.Second,
		},
	}
}
