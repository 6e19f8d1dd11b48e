package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/huddle/internal/auth"
	"github.com/amurg-ai/huddle/internal/config"
	"github.com/amurg-ai/huddle/internal/store"
	"github.com/amurg-ai/huddle/pkg/cli"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts directly in the database",
	}
	cmd.AddCommand(newUserAddCmd())
	cmd.AddCommand(newUserListCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add [config-file]",
		Short: "Create a user account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			role, _ := cmd.Flags().GetString("role")
			if role != "user" && role != "admin" {
				return fmt.Errorf("role must be user or admin, got %q", role)
			}

			cfg, err := config.Load(resolveConfigPath(cmd, args, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			db, err := store.New(cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer func() { _ = db.Close() }()

			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			if email == "" {
				email = p.AskRequired("Email", func(s string) error {
					_, err := auth.NormalizeEmail(s)
					return err
				})
			}
			password := p.AskNewPassword("Password", auth.MinPasswordLength)

			svc := auth.NewService(db, cfg.Auth, auth.NewMemoryRevoker())
			user, err := svc.Register(cmd.Context(), email, password, role)
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created %s user %s (%s)\n", user.Role, user.Email, user.ID)
			return nil
		},
	}
	cmd.Flags().String("email", "", "account email (prompted when empty)")
	cmd.Flags().String("role", "user", "account role: user or admin")
	return cmd
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [config-file]",
		Short: "List user accounts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, args, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			db, err := store.New(cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer func() { _ = db.Close() }()

			users, err := db.ListUsers(cmd.Context())
			if err != nil {
				return fmt.Errorf("list users: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tEMAIL\tROLE\tCREATED")
			for _, u := range users {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Role, u.CreatedAt.Format("2006-01-02"))
			}
			return tw.Flush()
		},
	}
}
