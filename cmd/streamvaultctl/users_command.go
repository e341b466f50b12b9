package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"streamvault/internal/models"
	"streamvault/internal/storage"
)

func newUsersCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Inspect tenant accounts",
	}
	cmd.AddCommand(newUsersListCommand(ctx))
	cmd.AddCommand(newUsersStatsCommand(ctx))
	return cmd
}

func newUsersListCommand(ctx *commandContext) *cobra.Command {
	var (
		tenantID string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the accounts of a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRepository(func(repo storage.Repository) error {
				users, err := repo.ListUsers(cmd.Context(), tenantID)
				if err != nil {
					return fmt.Errorf("list users: %w", err)
				}
				for i := range users {
					users[i].PasswordHash = ""
				}
				if asJSON {
					return writeJSON(cmd, users)
				}
				if len(users) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No users found")
					return nil
				}
				rows := make([][]string, 0, len(users))
				for _, user := range users {
					rows = append(rows, []string{user.ID, user.Username, user.Email, string(user.Role)})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					cmd.OutOrStdout(),
					[]string{"ID", "Username", "Email", "Role"},
					rows,
					nil,
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", storage.DefaultTenantID, "Tenant whose accounts are listed")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newUsersStatsCommand(ctx *commandContext) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count the accounts of a tenant per role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRepository(func(repo storage.Repository) error {
				counts, err := repo.CountUsersByRole(cmd.Context(), tenantID)
				if err != nil {
					return fmt.Errorf("count users: %w", err)
				}
				rows := make([][]string, 0, len(models.Roles))
				for _, role := range models.Roles {
					rows = append(rows, []string{string(role), strconv.Itoa(counts[role])})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					cmd.OutOrStdout(),
					[]string{"Role", "Users"},
					rows,
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", storage.DefaultTenantID, "Tenant to count")
	return cmd
}
