package gateway

// SyncSchedule is a persisted cron entry that re-syncs one user's
// organisations and saved repos for one provider.
type SyncSchedule struct {
	ID   int64  `db:"id"   json:"id"`
	Name string `db:"name" json:"name"`
	// Expr is a cron expression ("0 2 * * *"), "@every 6h", "@hourly", or "@daily".
	Expr      string  `db:"expr"        json:"expr"`
	Provider  string  `db:"provider"    json:"provider"`
	UserEmail string  `db:"user_email"  json:"user_email"`
	Enabled   bool    `db:"enabled"     json:"enabled"`
	LastRunAt *string `db:"last_run_at" json:"last_run_at,omitempty"`
	CreatedAt string  `db:"created_at"  json:"created_at"`
	UpdatedAt string  `db:"updated_at"  json:"updated_at"`
}

// Status is a live snapshot of the gateway state.
type Status struct {
	TotalRepos    int   `json:"total_repos"`
	ScanningRepos int   `json:"scanning_repos"`
	OpenPRs       int   `json:"open_prs"`
	Subscribers   int   `json:"subscribers"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// countRow is a convenience struct for SELECT COUNT(*) AS n queries.
type countRow struct {
	N int `db:"n"`
}
