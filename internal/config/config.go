package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config collects the engine's endpoints and policy knobs. None of the
// duration defaults is a protocol contract.
type Config struct {
	APIBaseURL string
	WSURL      string
	StateDir   string
	LogLevel   string

	WelcomeTemplate string
	HandoffMessage  string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ResubscribeDelay  time.Duration
	MessageDelay      time.Duration
	HandoffDelay      time.Duration
	TypingExpiry      time.Duration
}

func Load() Config {
	return Config{
		APIBaseURL: envStr("TALKBOX_API_URL", "http://localhost:8900"),
		WSURL:      envStr("TALKBOX_WS_URL", "ws://localhost:8900/ws"),
		StateDir:   envStr("TALKBOX_STATE_DIR", defaultStateDir()),
		LogLevel:   envStr("LOG_LEVEL", "info"),

		WelcomeTemplate: envStr("TALKBOX_WELCOME", "Hi {{name}}! How can we help you today?"),
		HandoffMessage:  envStr("TALKBOX_HANDOFF_MESSAGE", ""),

		HeartbeatInterval: envDur("TALKBOX_HEARTBEAT", 30*time.Second),
		ReconnectDelay:    envDur("TALKBOX_RECONNECT_DELAY", 2*time.Second),
		ResubscribeDelay:  envDur("TALKBOX_RESUBSCRIBE_DELAY", 1500*time.Millisecond),
		MessageDelay:      envDur("TALKBOX_MESSAGE_DELAY", time.Second),
		HandoffDelay:      envDur("TALKBOX_HANDOFF_DELAY", 2*time.Second),
		TypingExpiry:      envDur("TALKBOX_TYPING_EXPIRY", 3*time.Second),
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".talkbox"
	}
	return filepath.Join(home, ".talkbox")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
