package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quashbugs/magnus/internal/config"
	"github.com/quashbugs/magnus/internal/database"
	"github.com/quashbugs/magnus/internal/events"
	"github.com/quashbugs/magnus/internal/lifecycle"
	"github.com/quashbugs/magnus/internal/scan"
	"github.com/quashbugs/magnus/internal/secure"
	"github.com/quashbugs/magnus/internal/store"
	"github.com/quashbugs/magnus/internal/tasks"
	"github.com/quashbugs/magnus/internal/vcs"
	"github.com/quashbugs/magnus/internal/webhook"
	"github.com/quashbugs/magnus/models"
)

// Gateway is the long-running daemon that combines:
//   - the provider adapter registry (ingestion and scan kickoff)
//   - the callback reconciler (scan and PR analysis results)
//   - a cron Scheduler (periodic org/repo re-sync)
//   - a REST + SSE HTTP server
type Gateway struct {
	cfg        *config.Config
	db         database.DB
	stores     *store.Stores
	bus        *events.Broadcaster
	runner     *tasks.Pool
	life       *lifecycle.Coordinator
	registry   *vcs.Registry
	reconciler *webhook.Reconciler
	scheduler  *Scheduler
	startedAt  time.Time
}

// New creates a Gateway. Call Start() to begin serving.
func New(cfg *config.Config, db database.DB) (*Gateway, error) {
	stores := store.New(db)
	bus := events.NewBroadcaster()

	workers := cfg.Sync.Workers
	if workers <= 0 {
		workers = 10
	}
	runner := tasks.NewPool(context.Background(), workers)

	life := lifecycle.New(stores.Repos, bus, runner)

	enc, err := secure.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("security.encryption_key: %w", err)
	}

	registry, err := vcs.NewRegistry(vcs.Deps{
		Cfg:    cfg,
		Stores: stores,
		Life:   life,
		Scans:  scan.New(cfg.Analysis, enc, life),
	})
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		cfg:        cfg,
		db:         db,
		stores:     stores,
		bus:        bus,
		runner:     runner,
		life:       life,
		registry:   registry,
		reconciler: webhook.New(stores, life, bus),
		startedAt:  time.Now(),
	}
	gw.scheduler = newScheduler(db, gw.runScheduledSync, bus.Publish)
	return gw, nil
}

// Start runs the gateway until ctx is cancelled. It starts the cron
// scheduler, binds the HTTP server, and tears both down with the worker pool
// on shutdown.
func (gw *Gateway) Start(ctx context.Context) error {
	port := gw.cfg.Gateway.Port
	if port == 0 {
		port = 6090
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	if err := gw.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: buildHandler(gw),
	}

	go func() {
		<-ctx.Done()
		gw.scheduler.Stop()
		gw.runner.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway: listening", "addr", "http://"+addr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// runScheduledSync re-syncs one user's organisations and their saved repos.
// Fired by the cron scheduler; new repos discovered here enter the normal
// classification flow.
func (gw *Gateway) runScheduledSync(sched SyncSchedule) {
	ctx := context.Background()
	user := models.User{WorkEmail: sched.UserEmail}

	adapter, err := gw.registry.ForProvider(sched.Provider)
	if err != nil {
		slog.Warn("gateway: scheduled sync for unknown provider",
			"schedule", sched.Name, "provider", sched.Provider)
		return
	}

	orgs, err := adapter.FetchAndUpdateUserOrganizations(ctx, user)
	if err != nil {
		slog.Warn("gateway: scheduled org sync failed",
			"schedule", sched.Name, "user", sched.UserEmail, "error", err)
		return
	}
	for _, org := range orgs {
		if _, err := adapter.FetchAndSaveRepositories(ctx, user, org.ID); err != nil {
			slog.Warn("gateway: scheduled repo sync failed",
				"schedule", sched.Name, "org", org.Name, "error", err)
		}
	}
	slog.Info("gateway: scheduled sync completed",
		"schedule", sched.Name, "user", sched.UserEmail, "orgs", len(orgs))
}

func (gw *Gateway) currentStatus(ctx context.Context) Status {
	var total, scanning, open countRow
	_ = gw.db.Get(ctx, &total, "SELECT COUNT(*) AS n FROM repos")
	_ = gw.db.Get(ctx, &scanning, "SELECT COUNT(*) AS n FROM repos WHERE state = ?", string(models.RepoScanning))
	_ = gw.db.Get(ctx, &open, "SELECT COUNT(*) AS n FROM pull_requests WHERE state IN (?, ?)",
		string(models.PROpened), string(models.PRAnalyzing))

	return Status{
		TotalRepos:    total.N,
		ScanningRepos: scanning.N,
		OpenPRs:       open.N,
		Subscribers:   gw.bus.SubscriberCount(),
		UptimeSeconds: int64(time.Since(gw.startedAt).Seconds()),
	}
}
