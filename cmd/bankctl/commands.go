package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/example/bank-api/internal/auth"
	"github.com/example/bank-api/internal/config"
	"github.com/example/bank-api/internal/ledger"
)

const commandTimeout = 30 * time.Second

func (g *globalFlags) open(ctx context.Context) (ledger.Database, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	driver, url := cfg.DatabaseDriver, cfg.DatabaseURL
	if g.driver != "" {
		driver = g.driver
	}
	if g.databaseURL != "" {
		url = g.databaseURL
	}
	if url == "" {
		return nil, errors.New("database url is required (--database-url or DATABASE_URL)")
	}
	return ledger.Open(ctx, driver, url, 2)
}

func logger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
}

func migrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			store, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			logger(cmd).Info("schema migrated")
			return nil
		},
	}
}

func accountCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage customer and vendor accounts",
	}
	cmd.AddCommand(accountCreateCmd(g))
	cmd.AddCommand(accountShowCmd(g))
	return cmd
}

func accountCreateCmd(g *globalFlags) *cobra.Command {
	var (
		holder   string
		currency string
		balance  string
	)

	cmd := &cobra.Command{
		Use:   "create <customer|vendor> <acc-no>",
		Short: "Seed an account with an opening balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := ledger.ParseAccountKind(args[0])
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(balance)
			if err != nil {
				return fmt.Errorf("invalid balance %q: %w", balance, err)
			}
			if amount.IsNegative() {
				return errors.New("opening balance must not be negative")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			store, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			acc, err := store.CreateAccount(ctx, ledger.NewAccount{
				Ref:        ledger.AccountRef{Kind: kind, Number: args[1]},
				HolderName: holder,
				Currency:   strings.ToUpper(currency),
				Balance:    amount,
			})
			if err != nil {
				return err
			}
			logger(cmd).Info("account created", "account", ledger.AccountRef{Kind: acc.Kind, Number: acc.Number}.String(), "balance", acc.Balance.String())
			return writeJSON(cmd.OutOrStdout(), acc)
		},
	}

	cmd.Flags().StringVar(&holder, "holder", "", "account holder name")
	cmd.Flags().StringVar(&currency, "currency", "EUR", "ISO 4217 currency code")
	cmd.Flags().StringVar(&balance, "balance", "0", "opening balance")

	return cmd
}

func accountShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <customer|vendor> <acc-no>",
		Short: "Print an account as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := ledger.ParseAccountKind(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			store, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			acc, err := store.GetAccount(ctx, ledger.AccountRef{Kind: kind, Number: args[1]})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), acc)
		},
	}
}

func verifyCmd(g *globalFlags) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check ledger invariants",
		Long: `Check ledger invariants:
  - no account has a negative balance
  - no payment request has stayed RECEIVED longer than --max-age`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			store, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			results := ledger.NewValidator(store).ValidateAll(ctx, maxAge)
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}

			var failed []string
			for _, r := range results {
				if !r.IsValid {
					failed = append(failed, r.ValidationType)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("invariant checks failed: %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 5*time.Minute, "age after which a RECEIVED request counts as orphaned")

	return cmd
}

func hashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print a bcrypt hash for an OAUTH_CLIENTS entry",
		Long:  "Print a bcrypt hash for an OAUTH_CLIENTS entry. Reads the secret from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				secret = strings.TrimRight(line, "\r\n")
			}
			if secret == "" {
				return errors.New("secret must not be empty")
			}

			hash, err := auth.HashClientSecret(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	var (
		out   string
		bits  int
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Write an RSA signing key for OAUTH_SIGNING_KEY_FILE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			keyPEM, err := auth.GenerateSigningKeyPEM(bits)
			if err != nil {
				return err
			}
			ks, err := auth.NewKeySetFromPEM(keyPEM)
			if err != nil {
				return err
			}

			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(out, flags, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			if _, err := f.Write(keyPEM); err != nil {
				_ = f.Close()
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			if err := f.Close(); err != nil {
				return err
			}

			return writeJSON(cmd.OutOrStdout(), map[string]string{"file": out, "kid": ks.KeyID()})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "path of the PEM file to create")
	cmd.Flags().IntVar(&bits, "bits", 3072, "RSA key size")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
