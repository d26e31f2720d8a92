package config

type Config struct {
	Matrix  MatrixConfig  `json:"matrix"`
	Ingress IngressConfig `json:"ingress"`
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Delivery tunes the in-memory delivery pipeline.
	Delivery DeliveryConfig `json:"delivery,omitempty"`

	// History controls the optional delivery history store.
	// If omitted, no history is recorded.
	History *HistoryConfig `json:"history,omitempty"`

	// Maintenance controls background housekeeping (history pruning,
	// periodic stats). If omitted, maintenance is disabled.
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

// MatrixConfig controls the Matrix client session.
//
// Exactly one of access_token or password must be set. With a password the
// client logs in once and persists the device in the state store; with an
// access token the existing device is reused as-is.
type MatrixConfig struct {
	Homeserver string `json:"homeserver"`
	UserID     string `json:"user_id"`

	AccessToken string `json:"access_token,omitempty"` // do not log
	Password    string `json:"password,omitempty"`     // do not log

	// DeviceName is the display name for the bot's own device.
	// Default: "mxrelay".
	DeviceName string `json:"device_name,omitempty"`

	// StatePath is the sqlite database holding the device session and
	// encryption keys. Default: "./mxrelay.db".
	StatePath string `json:"state_path,omitempty"`
	// PickleKey protects the encryption key store (do not log).
	PickleKey string `json:"pickle_key,omitempty"`

	// RoomName is the name given to direct rooms the relay creates.
	// Default: "Notifications".
	RoomName string `json:"room_name,omitempty"`

	// SendRatePerSec/SendBurst throttle outbound events on top of the
	// homeserver's own rate limiting. Defaults: 5/5. Use -1 to disable.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
	SendBurst      int `json:"send_burst,omitempty"`

	// Notice sends text as m.notice instead of m.text, so other bots and
	// bridges won't loop on relayed messages. Default: true.
	Notice *bool `json:"notice,omitempty"`
	// Markdown renders text bodies as Markdown. Default: true.
	Markdown *bool `json:"markdown,omitempty"`
}

// IngressConfig controls the HTTP submission endpoint.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type IngressConfig struct {
	// Listen is the bind address, e.g. ":8000" or "127.0.0.1:8000".
	Listen string `json:"listen"`

	// APIKey is the shared secret clients present in the Api-Key-Here
	// header (do not log).
	APIKey string `json:"api_key"`

	// MaxBodyBytes caps request bodies. Default: 10 MiB.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// TLS enables HTTPS when both files are set.
	TLS IngressTLS `json:"tls,omitempty"`
}

type IngressTLS struct {
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// DeliveryConfig tunes the delivery coordinator.
//
// Defaults (when fields are omitted/zero):
//   - dedup_cache_size: 1000
type DeliveryConfig struct {
	// DedupCacheSize bounds the seen-event cache used to drop duplicate
	// federation events.
	DedupCacheSize int `json:"dedup_cache_size,omitempty"`
}

// HistoryConfig controls the optional delivery history store.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./mxrelay_history" }
type HistoryConfig struct {
	Driver      string `json:"driver"` // "sqlite", "file" or "none"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MaintenanceConfig controls background housekeeping jobs.
//
// Cron specs use the 5-field form with an optional leading seconds field
// (e.g. "30 3 * * *", "@every 1h").
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`

	// PruneSpec schedules history pruning. Default: "30 3 * * *".
	PruneSpec string `json:"prune_spec,omitempty"`
	// Retention is how long pruned history is kept, as a Go duration
	// string. Default: "720h" (30 days). Use "0s" to keep forever.
	Retention string `json:"retention,omitempty"`

	// StatsSpec schedules the periodic pipeline stats log line.
	// Default: "@every 1h". Empty string with enabled=true keeps the
	// default; use stats_spec: "-" to turn the job off.
	StatsSpec string `json:"stats_spec,omitempty"`

	// Timezone for cron evaluation. Default: local time.
	Timezone string `json:"timezone,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format selects "console" (default) or "json" output.
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
