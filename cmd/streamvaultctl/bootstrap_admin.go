package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"streamvault/internal/auth"
	"streamvault/internal/models"
	"streamvault/internal/storage"
)

type adminParams struct {
	username string
	email    string
	password string
	tenantID string
}

func newBootstrapAdminCommand(ctx *commandContext) *cobra.Command {
	var params adminParams

	cmd := &cobra.Command{
		Use:   "bootstrap-admin",
		Short: "Create an administrator or promote an existing account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(params.email) == "" {
				return errors.New("--email is required")
			}
			if len(params.password) < auth.MinPasswordLength {
				return fmt.Errorf("--password must be at least %d characters", auth.MinPasswordLength)
			}
			return ctx.withRepository(func(repo storage.Repository) error {
				user, created, err := bootstrapAdmin(cmd.Context(), repo, params)
				if err != nil {
					return fmt.Errorf("bootstrap admin: %w", err)
				}
				state := "updated"
				if created {
					state = "created"
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Admin user %s (%s) %s in tenant %s.\n", user.Email, user.Username, state, user.TenantID)
				fmt.Fprintln(out, "Remember to rotate this password after the first login.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&params.username, "username", "admin", "Username for a new admin account")
	cmd.Flags().StringVar(&params.email, "email", "", "Email address of the admin account")
	cmd.Flags().StringVar(&params.password, "password", "", "Password for the admin account")
	cmd.Flags().StringVar(&params.tenantID, "tenant", storage.DefaultTenantID, "Tenant of a new admin account")
	return cmd
}

// bootstrapAdmin creates the account when the email is unknown. An existing
// account keeps its tenant and username and receives the admin role and the
// new password.
func bootstrapAdmin(ctx context.Context, repo storage.Repository, params adminParams) (models.User, bool, error) {
	hash, err := auth.HashPassword(params.password)
	if err != nil {
		return models.User{}, false, err
	}

	existing, err := repo.GetUserByEmail(ctx, params.email)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		user, err := repo.CreateUser(ctx, storage.CreateUserParams{
			Username:     params.username,
			Email:        params.email,
			PasswordHash: hash,
			Role:         models.RoleAdmin,
			TenantID:     params.tenantID,
		})
		if err != nil {
			return models.User{}, false, err
		}
		return user, true, nil
	case err != nil:
		return models.User{}, false, err
	}

	role := models.RoleAdmin
	updated, err := repo.UpdateUser(ctx, existing.ID, storage.UserUpdate{
		Role:         &role,
		PasswordHash: &hash,
	})
	if err != nil {
		return models.User{}, false, err
	}
	return updated, false, nil
}
