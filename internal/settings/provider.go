package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/memsync/internal/cache"
	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/repository"
)

// Key is the settings row holding the mapping blob.
const Key = "mapping"

const cacheKey = "settings:" + Key

// Provider serves the current settings from the shared cache, loading from
// the repository on a miss. Writes invalidate the cached copy.
type Provider struct {
	repo  repository.SettingsRepository
	cache *cache.Cache
	log   *zap.Logger
}

// NewProvider constructs a provider.
func NewProvider(repo repository.SettingsRepository, c *cache.Cache, log *zap.Logger) *Provider {
	if c == nil {
		c = cache.New(4, 5*time.Minute)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{repo: repo, cache: c, log: log.With(zap.String("component", "settings"))}
}

// Current returns the active settings. An empty store yields Default.
func (p *Provider) Current(ctx context.Context) (*Settings, error) {
	return cache.GetOrLoad(ctx, p.cache, cacheKey, func(ctx context.Context) (*Settings, error) {
		raw, err := p.repo.Get(ctx, Key)
		if errors.Is(err, errs.ErrNotFound) {
			p.log.Warn("no settings stored, using defaults")
			return Default(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
		return Parse(raw)
	})
}

// Import validates and stores a new blob, then drops the cached copy.
func (p *Provider) Import(ctx context.Context, raw []byte) (*Settings, error) {
	s, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := p.repo.Put(ctx, Key, raw); err != nil {
		return nil, fmt.Errorf("store settings: %w", err)
	}
	p.Invalidate()
	p.log.Info("settings imported",
		zap.Int("levels", len(s.Levels)),
		zap.Int("funds", len(s.Funds)),
		zap.Int("products", len(s.Products)),
	)
	return s, nil
}

// Invalidate drops the cached settings.
func (p *Provider) Invalidate() {
	p.cache.Invalidate(cacheKey)
}

// Catalog is the CRM reference data used by Verify.
type Catalog interface {
	ListFunds(ctx context.Context) ([]model.Fund, error)
	ListLevels(ctx context.Context) ([]model.Level, error)
}

// Verify cross-checks fund and level ids against the CRM catalog and
// returns human readable problems.
func Verify(ctx context.Context, s *Settings, cat Catalog) ([]string, error) {
	funds, err := cat.ListFunds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list funds: %w", err)
	}
	levels, err := cat.ListLevels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list levels: %w", err)
	}
	fundIDs := make(map[string]bool, len(funds))
	for _, f := range funds {
		fundIDs[f.ID] = true
	}
	levelIDs := make(map[string]bool, len(levels))
	levelNames := make(map[string]bool, len(levels))
	for _, l := range levels {
		levelIDs[l.ID] = true
		levelNames[normalize(l.Name)] = true
	}

	var problems []string
	for _, kind := range []model.Category{model.CategoryMembership, model.CategoryClass, model.CategoryEvent} {
		f, ok := s.Funds[kind]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("no fund mapped for %s payments", kind))
		case !fundIDs[f.FundID]:
			problems = append(problems, fmt.Sprintf("fund %q for %s is not in the CRM", f.FundID, kind))
		}
	}
	for _, l := range s.Levels {
		if l.Fund != nil && !fundIDs[l.Fund.FundID] {
			problems = append(problems, fmt.Sprintf("level %q: fund %q is not in the CRM", l.Name, l.Fund.FundID))
		}
		switch {
		case l.RemoteID != "" && !levelIDs[l.RemoteID]:
			problems = append(problems, fmt.Sprintf("level %q: remote id %q is not in the CRM", l.Name, l.RemoteID))
		case l.RemoteID == "" && !levelNames[normalize(l.Name)]:
			problems = append(problems, fmt.Sprintf("level %q: no remote id and no CRM level with that name", l.Name))
		}
	}
	return problems, nil
}
