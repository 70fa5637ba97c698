package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/memsync/internal/config"
	"github.com/and161185/memsync/internal/migrate"
	"github.com/and161185/memsync/internal/service"
	"github.com/and161185/memsync/internal/settings"
)

// withApp loads config and wires the components for a one-shot command.
func withApp(cmd *cobra.Command, fn func(a *app, cfg *config.Config, log *zap.Logger) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := build(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a, cfg, logger)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one renewal sweep and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app, _ *config.Config, _ *zap.Logger) error {
				rep, err := a.sweeper.Run(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	dsn := func(cmd *cobra.Command) (string, error) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return "", err
		}
		if cfg.Database.DSN == "" {
			return "", errors.New("database.dsn is required")
		}
		return cfg.Database.DSN, nil
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				d, err := dsn(cmd)
				if err != nil {
					return err
				}
				return migrate.Up(cmd.Context(), d)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				d, err := dsn(cmd)
				if err != nil {
					return err
				}
				return migrate.Down(cmd.Context(), d)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				d, err := dsn(cmd)
				if err != nil {
					return err
				}
				v, err := migrate.Version(cmd.Context(), d)
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			},
		},
	)
	return cmd
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage sync settings (levels, products, funds, templates)",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "import <file|->",
			Short: "Validate and store a settings document",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				raw, err := readInput(args[0])
				if err != nil {
					return err
				}
				return withApp(cmd, func(a *app, _ *config.Config, _ *zap.Logger) error {
					s, err := a.settings.Import(cmd.Context(), raw)
					if err != nil {
						return err
					}
					fmt.Printf("imported: %d levels, %d products, %d slot products, %d notification rules\n",
						len(s.Levels), len(s.Products), len(s.SlotProducts), len(s.Notifications))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the active settings as YAML",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, func(a *app, _ *config.Config, _ *zap.Logger) error {
					s, err := a.settings.Current(cmd.Context())
					if err != nil {
						return err
					}
					out, err := s.Marshal()
					if err != nil {
						return err
					}
					_, err = os.Stdout.Write(out)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Check fund and level ids against the CRM",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, func(a *app, _ *config.Config, _ *zap.Logger) error {
					s, err := a.settings.Current(cmd.Context())
					if err != nil {
						return err
					}
					problems, err := settings.Verify(cmd.Context(), s, a.crm)
					if err != nil {
						return err
					}
					if len(problems) == 0 {
						fmt.Println("ok")
						return nil
					}
					for _, p := range problems {
						fmt.Println("-", p)
					}
					return fmt.Errorf("%d problem(s)", len(problems))
				})
			},
		},
	)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue bearer tokens for webhook senders and operators",
	}
	issue := &cobra.Command{
		Use:   "issue <subject>",
		Short: "Print a signed token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			audience, _ := cmd.Flags().GetString("audience")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			tok, exp, err := issueToken(cfg, args[0], audience, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			fmt.Fprintf(os.Stderr, "valid until %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	issue.Flags().String("audience", "operator", "webhook or operator")
	issue.Flags().Duration("ttl", 0, "lifetime (default auth.token_ttl)")
	cmd.AddCommand(issue)
	return cmd
}

// issueToken signs a token with the key of the named audience.
func issueToken(cfg *config.Config, subject, audience string, ttl time.Duration) (string, time.Time, error) {
	var key, aud string
	switch strings.ToLower(audience) {
	case "webhook":
		key, aud = cfg.Auth.WebhookKey, service.AudienceWebhook
	case "operator":
		key, aud = cfg.Auth.OperatorKey, service.AudienceOperator
	default:
		return "", time.Time{}, fmt.Errorf("unknown audience %q", audience)
	}
	if key == "" {
		return "", time.Time{}, fmt.Errorf("no signing key configured for %s tokens", audience)
	}
	return service.NewTokens([]byte(key), ttl).Issue(subject, aud)
}

func readInput(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}
