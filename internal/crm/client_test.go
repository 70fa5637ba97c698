package crm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
)

type countBudget struct{ n atomic.Int32 }

func (b *countBudget) Wait(context.Context) error { b.n.Add(1); return nil }

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *countBudget) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	b := &countBudget{}
	c, err := New(Config{
		BaseURL:         srv.URL,
		SubscriptionKey: "sub",
		AccessToken:     "tok",
		Timeout:         time.Second,
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
	}, srv.Client(), b, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c, b
}

func TestSearch_RetriesServerErrorsThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c, budget := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		require.Equal(t, "/constituent/v1/constituents/search", r.URL.Path)
		require.Equal(t, "Ann Lee", r.URL.Query().Get("name"))
		require.Equal(t, "ann@example.org", r.URL.Query().Get("email"))
		require.Equal(t, "sub", r.Header.Get("Subscription-Key"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"count":1,"value":[{"id":"c-1","first_name":"Ann","last_name":"Lee","email":"ann@example.org"}]}`)
	})

	got, err := c.SearchConstituents(context.Background(), "Ann Lee", "ann@example.org")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "c-1", got[0].ID)
	require.EqualValues(t, 3, hits.Load())
	require.EqualValues(t, 3, budget.n.Load(), "every attempt consumes budget")
}

func TestClientError_IsPermanentAndNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"message":"fund_id is invalid"}`)
	})

	_, err := c.CreateGift(context.Background(), model.Gift{ConstituentID: "c-1", Amount: 1000})
	require.ErrorIs(t, err, errs.ErrPermanentSync)
	var se *errs.SyncError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadRequest, se.Status)
	require.Contains(t, se.Error(), "fund_id is invalid")
	require.EqualValues(t, 1, hits.Load())
}

func TestTooManyRequests_HonorsRetryAfterThenSurfacesTransient(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.ListMemberships(context.Background(), "c-1")
	require.ErrorIs(t, err, errs.ErrTransientSync)
	var se *errs.SyncError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusTooManyRequests, se.Status)
	require.EqualValues(t, 3, hits.Load())
}

func TestMalformedResponse_IsPermanent(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"value": [`)
	})

	_, err := c.ListMemberships(context.Background(), "c-1")
	require.ErrorIs(t, err, errs.ErrPermanentSync)
	require.EqualValues(t, 1, hits.Load())
}

func TestTimeout_IsTransient(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		_, _ = io.WriteString(w, `{"id":"m-9"}`)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:        srv.URL,
		Timeout:        50 * time.Millisecond,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, srv.Client(), nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	id, err := c.CreateMembership(context.Background(), "c-1", model.MembershipPeriod{LevelID: "lvl"})
	require.NoError(t, err)
	require.Equal(t, "m-9", id)
	require.EqualValues(t, 2, hits.Load())
}

func TestReferenceData_ReadThroughAndInvalidate(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/fundraising/v1/funds", r.URL.Path)
		_, _ = io.WriteString(w, `{"value":[{"id":"F1","description":"Membership"}]}`)
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		funds, err := c.ListFunds(ctx)
		require.NoError(t, err)
		require.Equal(t, []model.Fund{{ID: "F1", Description: "Membership"}}, funds)
	}
	require.EqualValues(t, 1, hits.Load())

	c.InvalidateReferenceData()
	_, err := c.ListFunds(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, hits.Load())
}

func TestCreateGift_SendsDecimalAmount(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, 125.5, body["amount"])
		require.Equal(t, "FUND-M", body["fund_id"])
		require.Equal(t, "membership", body["type"])
		_, _ = io.WriteString(w, `{"id":"g-1"}`)
	})

	id, err := c.CreateGift(context.Background(), model.Gift{
		ConstituentID: "c-1",
		Amount:        12550,
		FundID:        "FUND-M",
		Kind:          model.CategoryMembership,
		Reference:     "order-1",
	})
	require.NoError(t, err)
	require.Equal(t, "g-1", id)
}

func TestUpdateMembership_PatchesExistingID(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/membership/v1/memberships/m-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.UpdateMembership(context.Background(), model.MembershipPeriod{
		ID:     "m-1",
		Finish: time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC),
		Note:   "deactivated",
	})
	require.NoError(t, err)
}

func TestRetryAfter_ParsesAndCaps(t *testing.T) {
	t.Parallel()

	c := &Client{cfg: Config{MaxRetryAfter: 10 * time.Second}}
	require.Equal(t, 3*time.Second, c.retryAfter("3"))
	require.Equal(t, 10*time.Second, c.retryAfter("120"))
	require.Equal(t, time.Duration(-1), c.retryAfter(""))
	require.Equal(t, time.Duration(-1), c.retryAfter("soon"))
	require.Equal(t, time.Duration(0), c.retryAfter(time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)))
}
