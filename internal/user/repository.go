package user

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const searchLimit = 10

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Search matches name or email, scoped to the caller's organization when one is set.
func (r *Repository) Search(ctx context.Context, query string, orgID *uuid.UUID) ([]Profile, error) {
	q := `
		SELECT id, full_name, email, role, organization_id
		FROM profiles
		WHERE (full_name ILIKE $1 ESCAPE '\' OR email ILIKE $1 ESCAPE '\')
		  AND ($2::uuid IS NULL OR organization_id = $2)
		ORDER BY full_name
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, q, containsPattern(query), orgID, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}

	profiles, err := pgx.CollectRows(rows, scanProfile)
	if err != nil {
		return nil, fmt.Errorf("scan profiles: %w", err)
	}
	return profiles, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern matches query literally anywhere in the value.
func containsPattern(query string) string {
	return "%" + likeEscaper.Replace(query) + "%"
}

func scanProfile(row pgx.CollectableRow) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.FullName, &p.Email, &p.Role, &p.OrganizationID)
	return p, err
}
