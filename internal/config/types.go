package config

// Config is the root configuration structure for magnus.
// Serialised to ~/.magnus/config.json.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"  json:"database"`
	GitHub    GitHubConfig    `mapstructure:"github"    json:"github"`
	GitLab    GitLabConfig    `mapstructure:"gitlab"    json:"gitlab"`
	Bitbucket BitbucketConfig `mapstructure:"bitbucket" json:"bitbucket"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"  json:"analysis"`
	Security  SecurityConfig  `mapstructure:"security"  json:"security"`
	Sync      SyncConfig      `mapstructure:"sync"      json:"sync"`
	Gateway   GatewayConfig   `mapstructure:"gateway"   json:"gateway"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// GitHubConfig holds the GitHub App identity used for installation tokens.
type GitHubConfig struct {
	// AppID is the numeric GitHub App id used as the JWT issuer.
	AppID string `mapstructure:"app_id" json:"app_id"`
	// PrivateKeyPath points to the app's PEM-encoded RSA private key.
	PrivateKeyPath string `mapstructure:"private_key_path" json:"private_key_path"`
	// WebhookSecret signs inbound webhook payloads (HMAC-SHA256).
	WebhookSecret string `mapstructure:"webhook_secret" json:"webhook_secret"`
	// BaseURL allows enterprise GitHub API endpoints.
	BaseURL string `mapstructure:"base_url" json:"base_url"`
}

// GitLabConfig holds the OAuth application used for token refresh.
type GitLabConfig struct {
	ClientID     string `mapstructure:"client_id"     json:"client_id"`
	ClientSecret string `mapstructure:"client_secret" json:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"  json:"redirect_uri"`
	BaseURL      string `mapstructure:"base_url"      json:"base_url"`
}

// BitbucketConfig holds the OAuth consumer used for token refresh.
type BitbucketConfig struct {
	Key     string `mapstructure:"key"      json:"key"`
	Secret  string `mapstructure:"secret"   json:"secret"`
	BaseURL string `mapstructure:"base_url" json:"base_url"`
}

// AnalysisConfig points at the external analysis service.
type AnalysisConfig struct {
	// BaseURL is the analysis service endpoint scans are started against.
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	// CallbackBaseURL is the publicly reachable prefix for callback URLs
	// handed to the analysis service.
	CallbackBaseURL string `mapstructure:"callback_base_url" json:"callback_base_url"`
}

// SecurityConfig holds secrets owned by this service.
type SecurityConfig struct {
	// EncryptionKey is the base64-encoded AES-256 key used to encrypt
	// provider credentials sent to the analysis service.
	EncryptionKey string `mapstructure:"encryption_key" json:"encryption_key"`
}

// SyncConfig controls background ingestion behaviour.
type SyncConfig struct {
	// Workers is the size of the classification/crawl worker pool.
	Workers int `mapstructure:"workers" json:"workers"`
	// OrgRefreshExpr is the cron expression for periodic organisation
	// re-sync ("" disables it).
	OrgRefreshExpr string `mapstructure:"org_refresh_expr" json:"org_refresh_expr"`
}

// GatewayConfig controls the HTTP daemon.
type GatewayConfig struct {
	// Port is the HTTP port the server listens on (default: 6090).
	Port int `mapstructure:"port" json:"port"`
}
