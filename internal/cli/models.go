// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// models.go - List the models a provider serves.
//
// Command: models [--provider ref]

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jeranaias/convobuddy/internal/model"
)

// modelView is the --json shape of a model.
type modelView struct {
	model.ModelInfo
	Vision bool `json:"vision"`
}

func newModelsCommand(r *root) *cobra.Command {
	var providerRef string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models a provider serves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			p, err := resolveProvider(app, providerRef)
			if err != nil {
				return err
			}
			models, err := fetchModels(cmd.Context(), app, p)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if r.flags.JSON {
				views := make([]modelView, len(models))
				for i, m := range models {
					views[i] = modelView{ModelInfo: m, Vision: m.Vision()}
				}
				return NewJSONResponse("models", views).Print(out)
			}
			printModels(out, p, models, "")
			return nil
		},
	}
	cmd.Flags().StringVar(&providerRef, "provider", "", "provider id or name (default: active)")
	return cmd
}

func fetchModels(ctx context.Context, app *App, p *model.Provider) ([]model.ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, ConnectionTestTimeout)
	defer cancel()
	models, err := app.Backend.GetModels(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("list models on %s: %w", p.Name, err)
	}
	return models, nil
}

// printModels writes a model table. current is marked when non-empty.
func printModels(w io.Writer, p *model.Provider, models []model.ModelInfo, current string) {
	if len(models) == 0 {
		fmt.Fprintf(w, "%s has no models installed.\n", p.Name)
		return
	}
	t := newTable("", "MODEL", "SIZE", "FAMILY", "PARAMS", "VISION").limit(1, 48)
	for _, m := range models {
		marker := ""
		if current != "" && m.ID == current {
			marker = HighlightStyle.Render("*")
		}
		vision := ""
		if m.Vision() {
			vision = "yes"
		}
		t.add(marker, m.ID, m.SizeString(), m.Family, m.ParameterSize, vision)
	}
	t.render(w)
}
