package config

// Config is the full daemon configuration. Durations are Go duration
// strings (e.g. "500ms", "2s", "1m").
type Config struct {
	Storage StorageConfig `json:"storage"`
	Bots    []BotConfig   `json:"bots"`

	Engine    EngineConfig    `json:"engine"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Expiry    ExpiryConfig    `json:"expiry"`
	OnDemand  OnDemandConfig  `json:"ondemand"`
}

type StorageConfig struct {
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

// BotConfig identifies one bot account. The token comes from the named
// environment variable so config files stay safe to commit.
type BotConfig struct {
	ID       int64  `json:"id"`
	TokenEnv string `json:"token_env"`
}

// EngineConfig controls the forward scheduler loop.
type EngineConfig struct {
	TickInterval Duration `json:"tick_interval,omitempty"`
	ClaimLimit   int      `json:"claim_limit,omitempty"`
	LockFor      Duration `json:"lock_for,omitempty"`

	// QueueDefaultSpan bounds a rule's queue when no end item is set.
	// Required: there is no silent built-in bound.
	QueueDefaultSpan int `json:"queue_default_span"`

	RetryMax    int      `json:"retry_max,omitempty"`
	BackoffStep Duration `json:"backoff_step,omitempty"`
}

type BroadcastConfig struct {
	ChunkSize    int      `json:"chunk_size,omitempty"`
	MessageDelay Duration `json:"message_delay,omitempty"`
	ChunkDelay   Duration `json:"chunk_delay,omitempty"`
	MaxDelay     Duration `json:"max_delay,omitempty"`
	RatePerSec   int      `json:"rate_per_sec,omitempty"`
	RetryMax     int      `json:"retry_max,omitempty"`
	BackoffStep  Duration `json:"backoff_step,omitempty"`
}

type ExpiryConfig struct {
	TickInterval Duration `json:"tick_interval,omitempty"`
	BatchLimit   int      `json:"batch_limit,omitempty"`
	Stagger      Duration `json:"stagger,omitempty"`
	KickPause    Duration `json:"kick_pause,omitempty"`
	NotifyText   string   `json:"notify_text,omitempty"`
}

type OnDemandConfig struct {
	RetryMax    int      `json:"retry_max,omitempty"`
	BackoffStep Duration `json:"backoff_step,omitempty"`
}
