// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// migrate.go - Report the store migration.
//
// Migration runs on every startup, so this command only opens the store
// and reports what happened.

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/convobuddy/internal/provider"
)

// migrationView is the --json shape of a migration result.
type migrationView struct {
	FromVersion int      `json:"from_version"`
	ToVersion   int      `json:"to_version"`
	Applied     bool     `json:"applied"`
	Steps       []string `json:"steps"`
	ProviderID  string   `json:"provider_id,omitempty"`
}

func newMigrateCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade the store from older versions",
		Long: fmt.Sprintf(`Upgrade the store to schema version %d.

Older versions kept a single server in the backendProvider, ollamaUrl and
ollamaPort keys. Those are converted into a provider entry and made
active. The legacy keys are left in place.`, provider.SchemaVersion),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			res := app.Migration
			out := cmd.OutOrStdout()
			if r.flags.JSON {
				v := migrationView{
					FromVersion: res.FromVersion,
					ToVersion:   res.ToVersion,
					Applied:     res.Applied(),
					Steps:       res.Steps,
				}
				if res.Provider != nil {
					v.ProviderID = res.Provider.ID
				}
				if v.Steps == nil {
					v.Steps = []string{}
				}
				return NewJSONResponse("migrate", v).Print(out)
			}

			status := "ok"
			if !res.Applied() {
				status = "skip"
			}
			fmt.Fprintf(out, "%s %s\n", RenderStatus(status), res.String())
			if res.Provider != nil {
				fmt.Fprintf(out, "%s %s\n", RenderLabel("Provider:"), res.Provider.String())
			}
			return nil
		},
	}
}
