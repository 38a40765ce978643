package store

import (
	"context"
	"fmt"

	"github.com/quashbugs/magnus/internal/database"
	"github.com/quashbugs/magnus/models"
)

const orgCols = "id, name, org_type, provider, user_email, installation_id, group_id, slug, created_at, updated_at"

// OrganisationStore persists Organisation records.
type OrganisationStore struct {
	db database.DB
}

// Create inserts org and returns it with its assigned id.
func (s *OrganisationStore) Create(ctx context.Context, org models.Organisation) (models.Organisation, error) {
	org.CreatedAt = now()
	org.UpdatedAt = org.CreatedAt
	id, err := s.db.Insert(ctx, "organisations", org)
	if err != nil {
		return models.Organisation{}, fmt.Errorf("inserting organisation: %w", err)
	}
	org.ID = id
	return org, nil
}

// Update rewrites org in place.
func (s *OrganisationStore) Update(ctx context.Context, org models.Organisation) error {
	org.UpdatedAt = now()
	return s.db.Update(ctx, "organisations", org, "id = ?", org.ID)
}

// Upsert inserts or updates an organisation keyed by (name, provider, user).
// Returns the stored record with its id.
func (s *OrganisationStore) Upsert(ctx context.Context, org models.Organisation) (models.Organisation, error) {
	existing, err := s.FindByNameProvider(ctx, org.Name, org.Provider, org.UserEmail)
	switch {
	case err == nil:
		org.ID = existing.ID
		org.CreatedAt = existing.CreatedAt
		if err := s.Update(ctx, org); err != nil {
			return models.Organisation{}, err
		}
		return org, nil
	case err == ErrNotFound:
		return s.Create(ctx, org)
	default:
		return models.Organisation{}, err
	}
}

// GetByID returns one organisation.
func (s *OrganisationStore) GetByID(ctx context.Context, id int64) (models.Organisation, error) {
	var org models.Organisation
	err := s.db.Get(ctx, &org, "SELECT "+orgCols+" FROM organisations WHERE id = ?", id)
	return org, mapErr(err)
}

// FindByNameProvider returns the organisation with the given stable GitHub key.
func (s *OrganisationStore) FindByNameProvider(ctx context.Context, name, provider, userEmail string) (models.Organisation, error) {
	var org models.Organisation
	err := s.db.Get(ctx, &org,
		"SELECT "+orgCols+" FROM organisations WHERE name = ? AND provider = ? AND user_email = ?",
		name, provider, userEmail)
	return org, mapErr(err)
}

// FindByGroupID returns the organisation with the given stable GitLab key.
func (s *OrganisationStore) FindByGroupID(ctx context.Context, groupID, userEmail string) (models.Organisation, error) {
	var org models.Organisation
	err := s.db.Get(ctx, &org,
		"SELECT "+orgCols+" FROM organisations WHERE group_id = ? AND provider = ? AND user_email = ?",
		groupID, models.ProviderGitLab, userEmail)
	return org, mapErr(err)
}

// FindBySlug returns the organisation with the given stable Bitbucket key.
func (s *OrganisationStore) FindBySlug(ctx context.Context, slug, userEmail string) (models.Organisation, error) {
	var org models.Organisation
	err := s.db.Get(ctx, &org,
		"SELECT "+orgCols+" FROM organisations WHERE slug = ? AND provider = ? AND user_email = ?",
		slug, models.ProviderBitbucket, userEmail)
	return org, mapErr(err)
}

// FindByInstallationID returns the GitHub organisation tied to an app install.
func (s *OrganisationStore) FindByInstallationID(ctx context.Context, installationID string) (models.Organisation, error) {
	var org models.Organisation
	err := s.db.Get(ctx, &org,
		"SELECT "+orgCols+" FROM organisations WHERE installation_id = ? AND provider = ?",
		installationID, models.ProviderGitHub)
	return org, mapErr(err)
}

// ListByUser returns all organisations owned by one user for one provider.
func (s *OrganisationStore) ListByUser(ctx context.Context, userEmail, provider string) ([]models.Organisation, error) {
	var out []models.Organisation
	err := s.db.Select(ctx, &out,
		"SELECT "+orgCols+" FROM organisations WHERE user_email = ? AND provider = ? ORDER BY id",
		userEmail, provider)
	return out, err
}
