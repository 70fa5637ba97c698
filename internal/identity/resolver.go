// Package identity binds local accounts to remote CRM constituents.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
)

// Directory is the CRM surface used for matching.
type Directory interface {
	SearchConstituents(ctx context.Context, name, email string) ([]model.Constituent, error)
	CreateConstituent(ctx context.Context, c model.Constituent) (string, error)
}

// Linker persists the binding on the local account.
type Linker interface {
	LinkConstituent(ctx context.Context, id uuid.UUID, constituentID string) error
}

// Resolution is the outcome of a resolve. Created is set when no existing
// constituent matched and a new one was created.
type Resolution struct {
	ConstituentID string
	Created       bool
}

// Resolver finds or creates constituents by exact name and email match.
type Resolver struct {
	dir    Directory
	linker Linker
	log    *zap.Logger
}

// NewResolver constructs a resolver.
func NewResolver(dir Directory, linker Linker, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{dir: dir, linker: linker, log: log.With(zap.String("component", "identity"))}
}

// Resolve returns the constituent matching profile, creating one when the
// search finds none. Failures never produce an id.
func (r *Resolver) Resolve(ctx context.Context, profile model.Constituent) (Resolution, error) {
	name := profile.Name()
	if NameKey(name) == "" {
		return Resolution{}, fmt.Errorf("%w: name is required", errs.ErrValidation)
	}
	email := strings.TrimSpace(profile.Email)

	candidates, err := r.dir.SearchConstituents(ctx, name, email)
	if err != nil {
		return Resolution{}, fmt.Errorf("search constituent: %w", err)
	}

	var matches []string
	for _, c := range candidates {
		if Matches(profile, c) {
			matches = append(matches, c.ID)
		}
	}

	switch len(matches) {
	case 1:
		return Resolution{ConstituentID: matches[0]}, nil
	case 0:
		profile.ID = ""
		profile.Email = email
		id, err := r.dir.CreateConstituent(ctx, profile)
		if err != nil {
			return Resolution{}, fmt.Errorf("create constituent: %w", err)
		}
		if id == "" {
			return Resolution{}, &errs.SyncError{Op: "create_constituent", Err: errors.New("empty id in response")}
		}
		r.log.Info("constituent created", zap.String("constituent", id))
		return Resolution{ConstituentID: id, Created: true}, nil
	default:
		r.log.Warn("ambiguous constituent match",
			zap.Int("matches", len(matches)),
			zap.Strings("candidates", matches),
		)
		return Resolution{}, fmt.Errorf("%d constituents match %q: %w", len(matches), name, errs.ErrAmbiguousIdentity)
	}
}

// Link ensures the account is bound to a constituent and persists a new
// binding. Already linked accounts are returned unchanged.
func (r *Resolver) Link(ctx context.Context, a *model.Account) (Resolution, error) {
	if a.Linked() {
		return Resolution{ConstituentID: a.ConstituentID}, nil
	}
	res, err := r.Resolve(ctx, Profile(a))
	if err != nil {
		return Resolution{}, err
	}
	if err := r.linker.LinkConstituent(ctx, a.ID, res.ConstituentID); err != nil {
		return Resolution{}, fmt.Errorf("link account %s: %w", a.ID, err)
	}
	a.ConstituentID = res.ConstituentID
	return res, nil
}

// Profile copies the local profile fields sent to the CRM on creation.
func Profile(a *model.Account) model.Constituent {
	return model.Constituent{
		FirstName: strings.TrimSpace(a.FirstName),
		LastName:  strings.TrimSpace(a.LastName),
		Email:     strings.TrimSpace(a.Email),
		Phone:     a.Phone,
		Company:   a.Company,
		Address:   a.Address,
	}
}

// Matches reports whether candidate is an exact match for profile. An empty
// profile email matches on name alone.
func Matches(profile, candidate model.Constituent) bool {
	if NameKey(profile.Name()) != NameKey(candidate.Name()) {
		return false
	}
	email := EmailKey(profile.Email)
	return email == "" || email == EmailKey(candidate.Email)
}

// NameKey normalizes a name for comparison: NFC, collapsed whitespace, case folded.
func NameKey(s string) string {
	s = norm.NFC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	return cases.Fold().String(s)
}

// EmailKey normalizes an email for comparison.
func EmailKey(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
