package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

const accountColumns = `
id, first_name, last_name, email, phone, company,
address_line1, address_line2, city, region, postal_code, country,
role, COALESCE(constituent_id, ''), membership_type, renewal_date,
state, payment_method, parent_id, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a                   model.Account
		role, state, method string
		renewal             *time.Time
	)
	err := row.Scan(
		&a.ID, &a.FirstName, &a.LastName, &a.Email, &a.Phone, &a.Company,
		&a.Address.Line1, &a.Address.Line2, &a.Address.City, &a.Address.Region, &a.Address.PostalCode, &a.Address.Country,
		&role, &a.ConstituentID, &a.MembershipType, &renewal,
		&state, &method, &a.ParentID, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Role = model.Role(role)
	a.State = model.MembershipState(state)
	a.PaymentMethod = model.PaymentMethod(method)
	if renewal != nil {
		d := model.Date(*renewal)
		a.RenewalDate = &d
	}
	return &a, nil
}

// Get selects an account by id together with its dependents.
func (r *AccountRepo) Get(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM accounts WHERE id=$1`
	a, err := scanAccount(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}

	const deps = `SELECT id FROM accounts WHERE parent_id=$1 ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, deps, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var dep uuid.UUID
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		a.Dependents = append(a.Dependents, dep)
	}
	return a, rows.Err()
}

// ListForSweep returns members and family owners that have a renewal date.
func (r *AccountRepo) ListForSweep(ctx context.Context) ([]model.Account, error) {
	const q = `SELECT ` + accountColumns + `
FROM accounts
WHERE role IN ('member', 'family_owner') AND renewal_date IS NOT NULL
ORDER BY id`
	return r.list(ctx, q)
}

// ListDependents returns the dependents of a family owner.
func (r *AccountRepo) ListDependents(ctx context.Context, ownerID uuid.UUID) ([]model.Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM accounts WHERE parent_id=$1 ORDER BY id`
	return r.list(ctx, q, ownerID)
}

func (r *AccountRepo) list(ctx context.Context, q string, args ...any) ([]model.Account, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateMembership writes the membership fields of an account.
func (r *AccountRepo) UpdateMembership(ctx context.Context, a *model.Account) error {
	const q = `
UPDATE accounts
SET role=$2, membership_type=$3, renewal_date=$4, state=$5, payment_method=$6, parent_id=$7, updated_at=now()
WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q,
		a.ID, string(a.Role), a.MembershipType, a.RenewalDate, string(a.State), string(a.PaymentMethod), a.ParentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdateProfile writes contact fields.
func (r *AccountRepo) UpdateProfile(ctx context.Context, a *model.Account) error {
	const q = `
UPDATE accounts
SET first_name=$2, last_name=$3, email=$4, phone=$5, company=$6,
    address_line1=$7, address_line2=$8, city=$9, region=$10, postal_code=$11, country=$12,
    updated_at=now()
WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q,
		a.ID, a.FirstName, a.LastName, a.Email, a.Phone, a.Company,
		a.Address.Line1, a.Address.Line2, a.Address.City, a.Address.Region, a.Address.PostalCode, a.Address.Country)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// LinkConstituent stores the remote constituent id.
func (r *AccountRepo) LinkConstituent(ctx context.Context, id uuid.UUID, constituentID string) error {
	const q = `UPDATE accounts SET constituent_id=$2, updated_at=now() WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, constituentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
