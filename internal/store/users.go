package store

import (
	"context"
	"fmt"

	"github.com/quashbugs/magnus/internal/database"
	"github.com/quashbugs/magnus/models"
)

const userCols = "id, work_email, name, provider, created_at"

// UserStore persists User records.
type UserStore struct {
	db database.DB
}

// Create inserts u and returns it with its assigned id.
func (s *UserStore) Create(ctx context.Context, u models.User) (models.User, error) {
	u.CreatedAt = now()
	id, err := s.db.Insert(ctx, "users", u)
	if err != nil {
		return models.User{}, fmt.Errorf("inserting user: %w", err)
	}
	u.ID = id
	return u, nil
}

// GetByEmail returns the user with the given work email.
func (s *UserStore) GetByEmail(ctx context.Context, workEmail string) (models.User, error) {
	var u models.User
	err := s.db.Get(ctx, &u, "SELECT "+userCols+" FROM users WHERE work_email = ?", workEmail)
	return u, mapErr(err)
}

// GetOrCreate returns the existing user or creates one.
func (s *UserStore) GetOrCreate(ctx context.Context, u models.User) (models.User, error) {
	existing, err := s.GetByEmail(ctx, u.WorkEmail)
	switch {
	case err == nil:
		return existing, nil
	case err == ErrNotFound:
		return s.Create(ctx, u)
	default:
		return models.User{}, err
	}
}
