// Package store provides typed persistence for the ingestion engine's
// entities on top of the generic database layer. JSON-valued fields (branch
// slots, org id sets, scopes, steps) are marshalled into TEXT columns here so
// the rest of the engine only ever sees domain structs.
package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/quashbugs/magnus/internal/database"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Stores bundles the per-entity stores sharing one database handle.
type Stores struct {
	Users         *UserStore
	Organisations *OrganisationStore
	Members       *MemberStore
	Repos         *RepoStore
	PullRequests  *PullRequestStore
}

// New wires all stores to db.
func New(db database.DB) *Stores {
	return &Stores{
		Users:         &UserStore{db: db},
		Organisations: &OrganisationStore{db: db},
		Members:       &MemberStore{db: db},
		Repos:         &RepoStore{db: db},
		PullRequests:  &PullRequestStore{db: db},
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
