package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quashbugs/magnus/internal/database"
)

const scheduleCols = "id, name, expr, provider, user_email, enabled, last_run_at, created_at, updated_at"

// Scheduler loads sync_schedules from the DB and registers them with
// robfig/cron. When a schedule fires it calls syncFn (re-syncing the user's
// organisations and repos) and records last_run_at.
type Scheduler struct {
	db        database.DB
	cron      *cron.Cron
	syncFn    func(SyncSchedule)
	broadcast func(eventType string, payload any)

	mu      sync.Mutex
	entries map[int64]cron.EntryID // schedule DB id → cron entry id
}

func newScheduler(db database.DB, syncFn func(SyncSchedule), broadcast func(string, any)) *Scheduler {
	return &Scheduler{
		db:        db,
		cron:      cron.New(),
		syncFn:    syncFn,
		broadcast: broadcast,
		entries:   make(map[int64]cron.EntryID),
	}
}

// Start loads all enabled schedules from the DB and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	var schedules []SyncSchedule
	if err := s.db.Select(ctx, &schedules,
		"SELECT "+scheduleCols+" FROM sync_schedules WHERE enabled = 1",
	); err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}

	for _, sched := range schedules {
		if err := s.register(sched); err != nil {
			slog.Warn("scheduler: skipping schedule with invalid expression",
				"id", sched.ID, "name", sched.Name, "expr", sched.Expr, "error", err)
		}
	}

	s.cron.Start()
	slog.Info("sync scheduler started", "schedules_loaded", len(schedules))
	return nil
}

// Stop halts the cron runner gracefully.
func (s *Scheduler) Stop() { s.cron.Stop() }

// register adds a schedule to the running cron instance.
func (s *Scheduler) register(sched SyncSchedule) error {
	entryID, err := s.cron.AddFunc(sched.Expr, func() {
		if err := s.runSchedule(context.Background(), sched, "sync_schedule_fired"); err != nil {
			slog.Warn("scheduler: firing schedule failed",
				"id", sched.ID, "name", sched.Name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.Expr, err)
	}
	s.mu.Lock()
	s.entries[sched.ID] = entryID
	s.mu.Unlock()
	return nil
}

// validate checks that expr is parseable by robfig/cron without adding it
// permanently to any runner.
func validate(expr string) error {
	tmp := cron.New()
	id, err := tmp.AddFunc(expr, func() {})
	if err != nil {
		return err
	}
	tmp.Remove(id)
	return nil
}

// Add validates, persists, and registers a new schedule. Returns the new DB id.
func (s *Scheduler) Add(ctx context.Context, sched SyncSchedule) (int64, error) {
	if err := validate(sched.Expr); err != nil {
		return 0, fmt.Errorf("invalid schedule expression %q: %w", sched.Expr, err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	sched.CreatedAt = now
	sched.UpdatedAt = now

	id, err := s.db.Insert(ctx, "sync_schedules", sched)
	if err != nil {
		return 0, err
	}
	sched.ID = id
	if sched.Enabled {
		if err := s.register(sched); err != nil {
			slog.Warn("scheduler: persisted but could not register schedule",
				"id", id, "error", err)
		}
	}
	return id, nil
}

// Update validates, persists, and re-registers an existing schedule.
func (s *Scheduler) Update(ctx context.Context, id int64, sched SyncSchedule) error {
	if err := validate(sched.Expr); err != nil {
		return fmt.Errorf("invalid schedule expression %q: %w", sched.Expr, err)
	}

	var existing SyncSchedule
	if err := s.db.Get(ctx, &existing,
		"SELECT "+scheduleCols+" FROM sync_schedules WHERE id = ?", id,
	); err != nil {
		return fmt.Errorf("loading schedule %d: %w", id, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if err := s.db.Exec(ctx,
		`UPDATE sync_schedules
		    SET name = ?, expr = ?, provider = ?, user_email = ?, enabled = ?, updated_at = ?
		  WHERE id = ?`,
		sched.Name, sched.Expr, sched.Provider, sched.UserEmail, sched.Enabled, now, id,
	); err != nil {
		return err
	}

	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	sched.ID = id
	if sched.Enabled {
		if err := s.register(sched); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a schedule from cron and the DB.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return s.db.Exec(ctx, "DELETE FROM sync_schedules WHERE id = ?", id)
}

// List returns all schedules ordered by id.
func (s *Scheduler) List(ctx context.Context) ([]SyncSchedule, error) {
	var out []SyncSchedule
	err := s.db.Select(ctx, &out,
		"SELECT "+scheduleCols+" FROM sync_schedules ORDER BY id")
	return out, err
}

// TriggerNow fires a schedule immediately regardless of its expression.
func (s *Scheduler) TriggerNow(ctx context.Context, id int64) error {
	var sched SyncSchedule
	if err := s.db.Get(ctx, &sched,
		"SELECT "+scheduleCols+" FROM sync_schedules WHERE id = ?", id,
	); err != nil {
		return fmt.Errorf("loading schedule %d: %w", id, err)
	}
	return s.runSchedule(ctx, sched, "sync_schedule_triggered")
}

func (s *Scheduler) runSchedule(ctx context.Context, sched SyncSchedule, eventType string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := s.db.Exec(ctx,
		"UPDATE sync_schedules SET last_run_at = ? WHERE id = ?", now, sched.ID,
	); err != nil {
		return err
	}
	s.syncFn(sched)
	s.broadcast(eventType, map[string]any{"id": sched.ID, "name": sched.Name})
	return nil
}
