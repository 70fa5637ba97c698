package crm

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/and161185/memsync/internal/cache"
	"github.com/and161185/memsync/internal/model"
)

const (
	keyFunds  = "crm:funds"
	keyLevels = "crm:levels"
)

type list[T any] struct {
	Count int `json:"count"`
	Value []T `json:"value"`
}

type created struct {
	ID string `json:"id"`
}

// SearchConstituents returns candidates matching name and, when given, email.
func (c *Client) SearchConstituents(ctx context.Context, name, email string) ([]model.Constituent, error) {
	var out list[model.Constituent]
	path := "/constituent/v1/constituents/search" + query("name", name, "email", email)
	if err := c.call(ctx, "search_constituents", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// CreateConstituent creates a constituent and returns its remote id.
func (c *Client) CreateConstituent(ctx context.Context, in model.Constituent) (string, error) {
	in.ID = ""
	var out created
	if err := c.call(ctx, "create_constituent", http.MethodPost, "/constituent/v1/constituents", in, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateConstituent patches profile fields of an existing constituent.
func (c *Client) UpdateConstituent(ctx context.Context, in model.Constituent) error {
	path := "/constituent/v1/constituents/" + url.PathEscape(in.ID)
	return c.call(ctx, "update_constituent", http.MethodPatch, path, in, nil)
}

// ListMemberships returns the constituent's membership periods.
func (c *Client) ListMemberships(ctx context.Context, constituentID string) ([]model.MembershipPeriod, error) {
	var out list[model.MembershipPeriod]
	path := "/membership/v1/constituents/" + url.PathEscape(constituentID) + "/memberships"
	if err := c.call(ctx, "list_memberships", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// CreateMembership appends a period and returns its remote id.
func (c *Client) CreateMembership(ctx context.Context, constituentID string, p model.MembershipPeriod) (string, error) {
	p.ID = ""
	var out created
	path := "/membership/v1/constituents/" + url.PathEscape(constituentID) + "/memberships"
	if err := c.call(ctx, "create_membership", http.MethodPost, path, p, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateMembership rewrites finish date and note of an existing period by id.
func (c *Client) UpdateMembership(ctx context.Context, p model.MembershipPeriod) error {
	body := struct {
		Finish string `json:"finish"`
		Note   string `json:"note"`
	}{Finish: p.Finish.Format(time.RFC3339), Note: p.Note}
	path := "/membership/v1/memberships/" + url.PathEscape(p.ID)
	return c.call(ctx, "update_membership", http.MethodPatch, path, body, nil)
}

// CreateGift records a payment and returns the remote gift id.
func (c *Client) CreateGift(ctx context.Context, g model.Gift) (string, error) {
	g.ID = ""
	var out created
	if err := c.call(ctx, "create_gift", http.MethodPost, "/gift/v1/gifts", g, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// ListFunds returns the fund catalog, read through the cache.
func (c *Client) ListFunds(ctx context.Context) ([]model.Fund, error) {
	return cache.GetOrLoad(ctx, c.cache, keyFunds, func(ctx context.Context) ([]model.Fund, error) {
		var out list[model.Fund]
		if err := c.call(ctx, "list_funds", http.MethodGet, "/fundraising/v1/funds", nil, &out); err != nil {
			return nil, err
		}
		return out.Value, nil
	})
}

// ListLevels returns the membership level catalog, read through the cache.
func (c *Client) ListLevels(ctx context.Context) ([]model.Level, error) {
	return cache.GetOrLoad(ctx, c.cache, keyLevels, func(ctx context.Context) ([]model.Level, error) {
		var out list[model.Level]
		if err := c.call(ctx, "list_levels", http.MethodGet, "/membership/v1/levels", nil, &out); err != nil {
			return nil, err
		}
		return out.Value, nil
	})
}

// InvalidateReferenceData drops cached funds and levels.
func (c *Client) InvalidateReferenceData() {
	c.cache.Invalidate(keyFunds, keyLevels)
}
