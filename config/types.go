package config

// Config the proxy configuration, loaded from the environment (and a .env
// file when present)
type Config struct {
	Mode          string `json:"mode,omitempty" env:"RELAY_ENV" envDefault:"production"`         // production/development
	Root          string `json:"root,omitempty" env:"RELAY_ROOT" envDefault:"."`                 // working root, relative paths resolve against it
	Host          string `json:"host,omitempty" env:"RELAY_HOST" envDefault:"127.0.0.1"`         // listen address
	Port          int    `json:"port,omitempty" env:"RELAY_PORT" envDefault:"9980"`              // listen port
	Log           string `json:"log,omitempty" env:"RELAY_LOG"`                                  // log file path
	LogMode       string `json:"log_mode,omitempty" env:"RELAY_LOG_MODE" envDefault:"TEXT"`      // JSON | TEXT
	LogMaxSize    int    `json:"log_max_size,omitempty" env:"RELAY_LOG_MAX_SIZE" envDefault:"100"`
	LogMaxBackups int    `json:"log_max_backups,omitempty" env:"RELAY_LOG_MAX_BACKUPS" envDefault:"5"`
	LogMaxAge     int    `json:"log_max_age,omitempty" env:"RELAY_LOG_MAX_AGE" envDefault:"30"`

	ProfilesPath  string `json:"profiles_path,omitempty" env:"PROFILES_PATH" envDefault:"profiles.json"`
	ProvidersPath string `json:"providers_path,omitempty" env:"PROVIDERS_PATH" envDefault:"providers.json"`
	SnapshotPath  string `json:"snapshot_path,omitempty" env:"SNAPSHOT_PATH"` // JSONL dispatch snapshots, empty disables

	ProviderTimeoutMS      int `json:"provider_timeout_ms,omitempty" env:"PROVIDER_TIMEOUT_MS"`
	ProviderRetries        int `json:"provider_retries,omitempty" env:"PROVIDER_RETRIES"`
	StreamIdleTimeoutMS    int `json:"stream_idle_timeout_ms,omitempty" env:"PROVIDER_STREAM_IDLE_TIMEOUT_MS"`
	StreamHeadersTimeoutMS int `json:"stream_headers_timeout_ms,omitempty" env:"PROVIDER_STREAM_HEADERS_TIMEOUT_MS"`

	UAMode                 string `json:"ua_mode,omitempty" env:"UA_MODE"`                                            // codex enables session-id synthesis
	StrictProviderDefaults bool   `json:"strict_provider_defaults,omitempty" env:"USE_CONFIG_CORE_PROVIDER_DEFAULTS"` // missing base URL/endpoint fails fast
	OAuthBrowser           string `json:"oauth_browser,omitempty" env:"OAUTH_BROWSER"`                                // command used to open interactive re-auth
}
