// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// trustctl is the command-line surface over the kintrack trust core:
// PIN enrollment and verification, lockout status, budget status, and
// redaction checks against the local config.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kintrack/kintrack/internal/audit"
	"github.com/kintrack/kintrack/internal/config"
	"github.com/kintrack/kintrack/internal/security"
	"github.com/kintrack/kintrack/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// trustEnv bundles the wired-up trust components for command Run funcs.
type trustEnv struct {
	cfg         *config.Config
	store       *storage.TrustStore
	sink        audit.Sink
	credentials *security.CredentialStore
	lockout     *security.LockoutPolicy
	limits      *security.RateLimiterRegistry
	redactor    *security.Redactor

	closers []func() error
}

func (e *trustEnv) Close() {
	for _, fn := range e.closers {
		_ = fn()
	}
}

// openEnv loads config and opens the trust store under ~/.kintrack.
func openEnv() (*trustEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}

	env := &trustEnv{cfg: cfg, sink: audit.NullSink{}}

	if cfg.Audit.Enabled {
		logPath := cfg.Audit.LogPath
		if logPath == "" {
			logPath = filepath.Join(dir, "audit.log")
		}
		fileSink, err := audit.NewFileSink(logPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		env.sink = fileSink
		env.closers = append(env.closers, fileSink.Close)
	}

	store, err := storage.OpenTrustStore(filepath.Join(dir, "trust.db"))
	if err != nil {
		env.Close()
		return nil, err
	}
	env.store = store
	env.closers = append(env.closers, store.Close)

	env.lockout = security.NewLockoutPolicy(store,
		security.WithMaxBackoff(cfg.Trust.MaxBackoff()),
		security.WithLockoutAudit(env.sink))
	env.credentials = security.NewCredentialStore(store,
		security.WithCredentialAudit(env.sink),
		security.WithResetHook(func() { _ = env.lockout.RecordSuccess() }))

	env.limits = security.NewRateLimiterRegistry(store,
		security.WithRateAudit(env.sink))
	for key, b := range cfg.Budgets {
		env.limits.Configure(key, security.Budget{
			MaxRequests: b.MaxRequests,
			Window:      time.Duration(b.WindowSecs) * time.Second,
		})
	}

	env.redactor = security.NewRedactor(security.RedactionConfig{
		Enabled:      cfg.Privacy.PrivacyMode,
		SubjectNames: cfg.Privacy.SubjectNames,
	})
	return env, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trustctl",
		Short:         "Manage the kintrack trust and access control state",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newSetPINCmd(),
		newChangePINCmd(),
		newVerifyCmd(),
		newStatusCmd(),
		newGrantsCmd(),
		newRedactCmd(),
		newResetCmd(),
	)
	return root
}

// promptPIN reads a PIN without echo.
func promptPIN(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pin, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read PIN: %w", err)
	}
	return string(pin), nil
}

func newSetPINCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-pin",
		Short: "Enroll or replace the unlock PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			pin, err := promptPIN("New PIN: ")
			if err != nil {
				return err
			}
			confirm, err := promptPIN("Confirm PIN: ")
			if err != nil {
				return err
			}
			if pin != confirm {
				return errors.New("PINs do not match")
			}
			if err := env.credentials.SetPIN(pin); err != nil {
				return err
			}
			fmt.Println("PIN enrolled.")
			return nil
		},
	}
}

func newChangePINCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "change-pin",
		Short: "Change the unlock PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.lockout.Check(); err != nil {
				return err
			}
			current, err := promptPIN("Current PIN: ")
			if err != nil {
				return err
			}
			next, err := promptPIN("New PIN: ")
			if err != nil {
				return err
			}

			if err := env.credentials.ChangePIN(current, next); err != nil {
				if errors.Is(err, security.ErrAuthenticationFailed) {
					_, _ = env.lockout.RecordFailure()
				}
				return err
			}
			fmt.Println("PIN changed.")
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "verify",
		Aliases: []string{"unlock"},
		Short:   "Verify the unlock PIN (with lockout accounting)",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.lockout.Check(); err != nil {
				return err
			}
			pin, err := promptPIN("PIN: ")
			if err != nil {
				return err
			}

			ok, err := env.credentials.Verify(pin)
			if err != nil {
				return err
			}
			if !ok {
				backoff, _ := env.lockout.RecordFailure()
				if backoff > 0 {
					return fmt.Errorf("incorrect PIN; locked for %s", backoff)
				}
				return errors.New("incorrect PIN")
			}
			if err := env.lockout.RecordSuccess(); err != nil {
				return err
			}
			fmt.Println("PIN verified.")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show credential, lockout, and budget status",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			enrolled, err := env.credentials.Enrolled()
			if err != nil {
				return err
			}
			fmt.Printf("Credential enrolled:  %v\n", enrolled)
			fmt.Printf("Failed attempts:      %d\n", env.lockout.Attempts())
			if remaining := env.lockout.Remaining(); remaining > 0 {
				fmt.Printf("Locked out for:       %s\n", remaining.Round(time.Second))
			}
			fmt.Printf("Auto-lock enabled:    %v\n", env.cfg.Trust.AutoLockEnabled)
			fmt.Printf("Idle timeout:         %s\n", env.cfg.Trust.IdleTimeout())
			fmt.Printf("Privacy mode:         %v\n", env.cfg.Privacy.PrivacyMode)

			keys := []string{security.BudgetAIGeneral, security.BudgetChatQuery, security.BudgetScanUpload}
			for k := range env.cfg.Budgets {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			seen := map[string]bool{}
			for _, key := range keys {
				if seen[key] {
					continue
				}
				seen[key] = true
				remaining, err := env.limits.Remaining(key)
				if err != nil {
					return err
				}
				if remaining < 0 {
					continue
				}
				fmt.Printf("Budget %-12s  %d left", key, remaining)
				if reset := env.limits.ResetTime(key); reset > 0 {
					fmt.Printf(" (resets in %s)", reset.Round(time.Second))
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func newGrantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grants <role>",
		Short: "List the permissions a role grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := security.Role(args[0])
			if !security.ValidRole(role) {
				return fmt.Errorf("unknown role %q (admin, contributor, viewer)", args[0])
			}

			matrix := security.NewPermissionMatrix()
			grants := matrix.RoleGrants(role)
			sort.Slice(grants, func(i, j int) bool { return grants[i] < grants[j] })
			for _, p := range grants {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func newRedactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redact <text>...",
		Short: "Run text through the privacy redactor",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			fmt.Println(env.redactor.Redact(strings.Join(args, " ")))
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove the enrolled credential (destructive)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return errors.New("refusing to reset without --force")
			}
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.credentials.Clear(); err != nil {
				return err
			}
			if err := env.lockout.RecordSuccess(); err != nil {
				return err
			}
			fmt.Println("Credential cleared.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the destructive reset")
	return cmd
}
