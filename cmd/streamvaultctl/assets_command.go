package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"streamvault/internal/models"
	"streamvault/internal/storage"
)

func newAssetsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Inspect uploaded assets",
	}
	cmd.AddCommand(newAssetsListCommand(ctx))
	return cmd
}

func newAssetsListCommand(ctx *commandContext) *cobra.Command {
	var (
		tenantID   string
		status     string
		allTenants bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assets of a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter models.AssetStatus
			if status = strings.ToLower(strings.TrimSpace(status)); status != "" {
				filter = models.AssetStatus(status)
				if !filter.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			if allTenants && filter == "" {
				return fmt.Errorf("--all-tenants requires --status")
			}

			return ctx.withRepository(func(repo storage.Repository) error {
				var (
					assets []models.Asset
					err    error
				)
				if allTenants {
					assets, err = repo.ListAssetsByStatus(cmd.Context(), filter)
				} else {
					assets, err = repo.ListAssets(cmd.Context(), tenantID)
				}
				if err != nil {
					return fmt.Errorf("list assets: %w", err)
				}
				assets = filterAssets(assets, filter)

				if asJSON {
					return writeJSON(cmd, assets)
				}
				if len(assets) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No assets found")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderAssetTable(cmd, assets))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", storage.DefaultTenantID, "Tenant whose assets are listed")
	cmd.Flags().StringVar(&status, "status", "", "Only list assets in this status")
	cmd.Flags().BoolVar(&allTenants, "all-tenants", false, "List assets with --status across every tenant")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func filterAssets(assets []models.Asset, status models.AssetStatus) []models.Asset {
	if status == "" {
		return assets
	}
	filtered := assets[:0:0]
	for _, asset := range assets {
		if asset.Status == status {
			filtered = append(filtered, asset)
		}
	}
	return filtered
}

func renderAssetTable(cmd *cobra.Command, assets []models.Asset) string {
	rows := make([][]string, 0, len(assets))
	for _, asset := range assets {
		rows = append(rows, []string{
			asset.ID,
			asset.TenantID,
			asset.Title,
			string(asset.Status),
			strconv.Itoa(asset.Progress) + "%",
			string(asset.Classification),
			asset.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return renderTable(
		cmd.OutOrStdout(),
		[]string{"ID", "Tenant", "Title", "Status", "Progress", "Classification", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}
