package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/memsync/internal/cache"
	"github.com/and161185/memsync/internal/config"
	"github.com/and161185/memsync/internal/crm"
	"github.com/and161185/memsync/internal/family"
	"github.com/and161185/memsync/internal/identity"
	"github.com/and161185/memsync/internal/limiter"
	"github.com/and161185/memsync/internal/membership"
	"github.com/and161185/memsync/internal/notify"
	"github.com/and161185/memsync/internal/payment"
	"github.com/and161185/memsync/internal/repository/postgres"
	"github.com/and161185/memsync/internal/service"
	"github.com/and161185/memsync/internal/settings"
	"github.com/and161185/memsync/internal/sweep"
)

// app holds the wired components of one process.
type app struct {
	db       *postgres.DB
	crm      *crm.Client
	settings *settings.Provider
	events   *service.EventServiceImpl
	sweeper  *sweep.Sweeper
}

// Close releases the database pool.
func (a *app) Close() { a.db.Close() }

// build connects to Postgres and wires every component from cfg.
func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("membership time zone: %w", err)
	}

	db, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	// Repositories
	accounts := postgres.NewAccountRepo(db)
	payments := postgres.NewPaymentRepo(db)
	slots := postgres.NewSlotRepo(db)
	marks := postgres.NewNotificationRepo(db)
	settingsRepo := postgres.NewSettingsRepo(db)
	failures := postgres.NewFailureRepo(db)

	budget := newBudget(cfg.RateLimit, db.Pool)

	remote, err := crm.New(crm.Config{
		BaseURL:         cfg.CRM.BaseURL,
		SubscriptionKey: cfg.CRM.SubscriptionKey,
		AccessToken:     cfg.CRM.AccessToken,
		Timeout:         cfg.CRM.Timeout,
		MaxAttempts:     cfg.CRM.MaxAttempts,
		InitialBackoff:  cfg.CRM.InitialBackoff,
		MaxBackoff:      cfg.CRM.MaxBackoff,
		MaxRetryAfter:   cfg.CRM.MaxRetryAfter,
	}, &http.Client{}, budget, cache.New(cfg.Cache.Size, cfg.Cache.TTL), log)
	if err != nil {
		db.Close()
		return nil, err
	}

	// Domain
	st := settings.NewProvider(settingsRepo, cache.New(cfg.Cache.Size, cfg.Cache.TTL), log)
	resolver := identity.NewResolver(remote, accounts, log)
	recorder := payment.NewRecorder(payments, remote, st, log)
	machine := membership.NewMachine(remote, resolver, recorder, accounts, st, cfg.Policy(), loc, log)
	propagator := family.NewPropagator(accounts, slots, machine, log)

	var mailer notify.Mailer = notify.LogMailer{Log: log}
	if cfg.Mail.SMTP.Addr != "" {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Addr:     cfg.Mail.SMTP.Addr,
			Username: cfg.Mail.SMTP.Username,
			Password: cfg.Mail.SMTP.Password,
			From:     cfg.Mail.SMTP.From,
		})
	}
	dispatcher := notify.NewDispatcher(mailer, notify.Config{
		Environment: cfg.Environment,
		Suppress:    cfg.Mail.Suppress,
		AllowList:   cfg.Mail.AllowList,
	}, log)

	events := service.NewEventService(service.Deps{
		Accounts:     accounts,
		Failures:     failures,
		Lifecycle:    machine,
		Family:       propagator,
		Identity:     resolver,
		Payments:     recorder,
		Constituents: remote,
		Settings:     st,
	}, log)

	return &app{
		db:       db,
		crm:      remote,
		settings: st,
		events:   events,
		sweeper:  sweep.New(accounts, marks, machine, propagator, dispatcher, st, log),
	}, nil
}

// newBudget returns the CRM call budget. A shared budget also spends one
// unit of the Postgres quota so every process stays inside one limit.
func newBudget(rl config.RateLimitConfig, q limiter.Querier) limiter.Budget {
	local := limiter.NewLocal(rl.Calls, rl.Window, rl.Burst)
	if !rl.Shared {
		return local
	}
	return limiter.Chain{local, limiter.NewPG(q, "crm", rl.Calls, rl.Window)}
}
