package config

// Config is the root of the service configuration file (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Assets    AssetsConfig    `json:"assets,omitempty"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Bulk      BulkConfig      `json:"bulk,omitempty"`
	Directory DirectoryConfig `json:"directory,omitempty"`
}

type ServerConfig struct {
	// ListenAddr is the HTTP bind address, e.g. ":8080".
	ListenAddr string `json:"listen_addr,omitempty"`

	ReadTimeout     Duration `json:"read_timeout,omitempty"`
	WriteTimeout    Duration `json:"write_timeout,omitempty"`
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`
}

type LoggingConfig struct {
	// Level: trace|debug|info|warn|error (default info).
	Level string `json:"level,omitempty"`

	// Console enables human-readable output instead of JSON.
	Console bool `json:"console,omitempty"`

	// File appends JSON logs to the given path when set.
	File string `json:"file,omitempty"`
}

type StorageConfig struct {
	// Driver: "sqlite" or "memory" (default memory).
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`

	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

type AssetsConfig struct {
	// Dir is where generated images are written. BaseURL is the public
	// prefix they are served under.
	Dir     string `json:"dir,omitempty"`
	BaseURL string `json:"base_url,omitempty"`

	Retention RetentionConfig `json:"retention,omitempty"`
}

type RetentionConfig struct {
	MaxAge   Duration `json:"max_age,omitempty"`
	MaxFiles int      `json:"max_files,omitempty"`

	// Sweep is a cron spec, e.g. "@every 15m".
	Sweep string `json:"sweep,omitempty"`
}

// WhatsAppConfig configures the provider API client. The access token may be
// given inline or via a token endpoint that is polled for rotation; either
// way the token is read fresh on every send.
type WhatsAppConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	PhoneID string `json:"phone_id"`

	AccessToken     string   `json:"access_token,omitempty"`
	TokenURL        string   `json:"token_url,omitempty"`
	RefreshInterval Duration `json:"refresh_interval,omitempty"`

	SendTimeout Duration `json:"send_timeout,omitempty"`
}

// BulkConfig controls the operation pipeline.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - rate_per_sec: 10
//   - burst: 5
//   - send_timeout: "30s"
//   - download_timeout: "15s"
//   - upload_timeout: "10s"
//   - canvas_size: 250
//   - template_language: "en"
type BulkConfig struct {
	Workers    int     `json:"workers,omitempty"`
	QueueSize  int     `json:"queue_size,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	SendTimeout     Duration `json:"send_timeout,omitempty"`
	DownloadTimeout Duration `json:"download_timeout,omitempty"`
	UploadTimeout   Duration `json:"upload_timeout,omitempty"`

	CanvasSize       int    `json:"canvas_size,omitempty"`
	TemplateLanguage string `json:"template_language,omitempty"`
}

type DirectoryConfig struct {
	// SeedFile points at a JSON recipient roster loaded into storage at
	// startup. Existing records with the same id are overwritten.
	SeedFile string `json:"seed_file,omitempty"`
}

// Validate checks field formats that the strict decoder cannot, mainly
// duration strings. It is also installed as the hot-reload validator.
func (c *Config) Validate() error {
	durations := []struct {
		field string
		d     Duration
	}{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"assets.retention.max_age", c.Assets.Retention.MaxAge},
		{"whatsapp.refresh_interval", c.WhatsApp.RefreshInterval},
		{"whatsapp.send_timeout", c.WhatsApp.SendTimeout},
		{"bulk.send_timeout", c.Bulk.SendTimeout},
		{"bulk.download_timeout", c.Bulk.DownloadTimeout},
		{"bulk.upload_timeout", c.Bulk.UploadTimeout},
	}
	for _, v := range durations {
		if _, err := v.d.Parse(v.field, 0); err != nil {
			return err
		}
	}
	return nil
}
