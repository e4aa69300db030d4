package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/north-cloud/audit-orchestrator/internal/domain"
)

// LookupRepository reads the reference entities the orchestrator consults but
// never mutates: accounts, domains and extracted page states.
type LookupRepository struct {
	db *sql.DB
}

// NewLookupRepository creates a new repository
func NewLookupRepository(db *sql.DB) *LookupRepository {
	return &LookupRepository{db: db}
}

// FindAccountByID returns the account, or domain.ErrNotFound.
func (r *LookupRepository) FindAccountByID(ctx context.Context, id int64) (*domain.Account, error) {
	query := `SELECT id, email, subscription_plan FROM accounts WHERE id = $1`

	var (
		acct domain.Account
		plan string
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&acct.ID, &acct.Email, &plan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find account %d: %w", id, err)
	}
	acct.SubscriptionPlan = domain.ParseSubscriptionPlan(plan)
	return &acct, nil
}

// FindDomainByID returns the domain, or domain.ErrNotFound.
func (r *LookupRepository) FindDomainByID(ctx context.Context, id int64) (*domain.Domain, error) {
	query := `SELECT id, url FROM domains WHERE id = $1`

	var d domain.Domain
	err := r.db.QueryRowContext(ctx, query, id).Scan(&d.ID, &d.URL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find domain %d: %w", id, err)
	}
	return &d, nil
}

// FindPageStateByID returns the extracted page state, or domain.ErrNotFound.
func (r *LookupRepository) FindPageStateByID(ctx context.Context, id int64) (*domain.PageState, error) {
	query := `SELECT id, url, landable FROM page_states WHERE id = $1`

	var p domain.PageState
	err := r.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.URL, &p.Landable)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find page state %d: %w", id, err)
	}
	return &p, nil
}
