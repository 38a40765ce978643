package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quashbugs/magnus/internal/database"
	"github.com/quashbugs/magnus/models"
)

const memberCols = "id, user_email, provider, access_token, refresh_token, expires_at, org_ids, created_at, updated_at"

// memberRow mirrors the members table; org_ids is a JSON array column.
type memberRow struct {
	ID           int64  `db:"id"`
	UserEmail    string `db:"user_email"`
	Provider     string `db:"provider"`
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	ExpiresAt    int64  `db:"expires_at"`
	OrgIDs       string `db:"org_ids"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

func memberToRow(m models.Member) (memberRow, error) {
	ids := m.OrgIDs
	if ids == nil {
		ids = []int64{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return memberRow{}, fmt.Errorf("encoding member org ids: %w", err)
	}
	return memberRow{
		ID:           m.ID,
		UserEmail:    m.UserEmail,
		Provider:     m.Provider,
		AccessToken:  m.AccessToken,
		RefreshToken: m.RefreshToken,
		ExpiresAt:    m.ExpiresAt,
		OrgIDs:       string(raw),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}, nil
}

func memberFromRow(r memberRow) (models.Member, error) {
	m := models.Member{
		ID:           r.ID,
		UserEmail:    r.UserEmail,
		Provider:     r.Provider,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.OrgIDs != "" {
		if err := json.Unmarshal([]byte(r.OrgIDs), &m.OrgIDs); err != nil {
			return models.Member{}, fmt.Errorf("decoding member org ids: %w", err)
		}
	}
	return m, nil
}

// MemberStore persists the per-user, per-provider credential records.
type MemberStore struct {
	db database.DB
}

// Create inserts a new member and returns it with its assigned id.
func (s *MemberStore) Create(ctx context.Context, m models.Member) (models.Member, error) {
	m.CreatedAt = now()
	m.UpdatedAt = m.CreatedAt
	row, err := memberToRow(m)
	if err != nil {
		return models.Member{}, err
	}
	id, err := s.db.Insert(ctx, "members", row)
	if err != nil {
		return models.Member{}, fmt.Errorf("inserting member: %w", err)
	}
	m.ID = id
	return m, nil
}

// Update rewrites the member record, rotating tokens or the visible-org set.
func (s *MemberStore) Update(ctx context.Context, m models.Member) error {
	m.UpdatedAt = now()
	row, err := memberToRow(m)
	if err != nil {
		return err
	}
	return s.db.Update(ctx, "members", row, "id = ?", m.ID)
}

// GetByUserProvider returns the member for one (user, provider) pair.
func (s *MemberStore) GetByUserProvider(ctx context.Context, userEmail, provider string) (models.Member, error) {
	var row memberRow
	err := s.db.Get(ctx, &row,
		"SELECT "+memberCols+" FROM members WHERE user_email = ? AND provider = ?",
		userEmail, provider)
	if err != nil {
		return models.Member{}, mapErr(err)
	}
	return memberFromRow(row)
}

// ListByProvider returns every member for one provider, used by the
// scheduled organisation re-sync.
func (s *MemberStore) ListByProvider(ctx context.Context, provider string) ([]models.Member, error) {
	var rows []memberRow
	if err := s.db.Select(ctx, &rows,
		"SELECT "+memberCols+" FROM members WHERE provider = ? ORDER BY id", provider); err != nil {
		return nil, err
	}
	out := make([]models.Member, 0, len(rows))
	for _, r := range rows {
		m, err := memberFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
