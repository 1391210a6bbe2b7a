// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// providers.go - Provider management commands.
//
// Command: providers list|add|edit|remove|use|test
//
// Examples:
//   convobuddy providers add --type lm-studio
//   convobuddy providers add --type ollama --url 192.168.1.20:11434 --name box --use
//   convobuddy providers use box
//   convobuddy providers test

package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/convobuddy/internal/model"
)

// ConnectionTestTimeout bounds the probe run before a provider is activated.
const ConnectionTestTimeout = 10 * time.Second

func newProvidersCommand(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "providers",
		Aliases: []string{"provider"},
		Short:   "Manage LLM server connections",
	}
	cmd.AddCommand(
		newProvidersListCommand(r),
		newProvidersAddCommand(r),
		newProvidersEditCommand(r),
		newProvidersRemoveCommand(r),
		newProvidersUseCommand(r),
		newProvidersTestCommand(r),
	)
	return cmd
}

// providerView is the --json shape of a provider.
type providerView struct {
	model.Provider
	Label  string `json:"label"`
	Active bool   `json:"active"`
}

func newProvidersListCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured providers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			list, err := app.Providers.GetProviders()
			if err != nil {
				return err
			}
			activeID, err := app.Providers.GetActiveProviderID()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if r.flags.JSON {
				views := make([]providerView, 0, len(list))
				for _, p := range list {
					views = append(views, providerView{Provider: p, Label: p.Type.Label(), Active: p.ID == activeID})
				}
				return NewJSONResponse("providers list", views).Print(out)
			}

			if len(list) == 0 {
				fmt.Fprintln(out, "No providers configured.")
				fmt.Fprintln(out, DimStyle.Render("Add one with: convobuddy providers add --type ollama"))
				return nil
			}
			t := newTable("", "ID", "NAME", "TYPE", "URL").limit(2, 24)
			for _, p := range list {
				marker := ""
				if p.ID == activeID {
					marker = HighlightStyle.Render("*")
				}
				t.add(marker, shortID(p.ID), p.Name, p.Type.Label(), p.URL)
			}
			t.render(out)
			return nil
		},
	}
}

func newProvidersAddCommand(r *root) *cobra.Command {
	var (
		name, typ, url string
		use, force     bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a provider",
		Long: `Add a provider. The URL defaults to the usual local port for the type:
  ollama          http://127.0.0.1:11434
  lm-studio       http://127.0.0.1:1234
  llama-cpp       http://127.0.0.1:8080
  openai-generic  http://127.0.0.1:8000
  docker-runner   http://127.0.0.1:12434`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			t, err := model.ParseProviderType(typ)
			if err != nil {
				return err
			}
			if url == "" {
				url = t.DefaultURL()
			}
			p := &model.Provider{Name: name, Type: t, URL: url}
			if err := app.Providers.SaveProvider(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Added %s\n", RenderStatus("ok"), p.String())
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", RenderLabel("ID:"), p.ID)

			if use {
				return activateProvider(cmd, app, p, force)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", model.DefaultProviderName, "display name")
	cmd.Flags().StringVar(&typ, "type", string(model.ProviderOllama), "provider type: "+providerTypeList())
	cmd.Flags().StringVar(&url, "url", "", "base URL (default depends on --type)")
	cmd.Flags().BoolVar(&use, "use", false, "make it the active provider after a connection test")
	cmd.Flags().BoolVar(&force, "force", false, "with --use, skip the connection test")
	return cmd
}

func newProvidersEditCommand(r *root) *cobra.Command {
	var name, typ, url string
	cmd := &cobra.Command{
		Use:   "edit <id|name>",
		Short: "Change a provider's name, type or URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			p, err := app.Providers.Find(args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if !flags.Changed("name") && !flags.Changed("type") && !flags.Changed("url") {
				return fmt.Errorf("nothing to change; pass --name, --type or --url")
			}
			if flags.Changed("name") {
				p.Name = name
			}
			if flags.Changed("type") {
				t, err := model.ParseProviderType(typ)
				if err != nil {
					return err
				}
				p.Type = t
			}
			if flags.Changed("url") {
				p.URL = url
			}
			if err := app.Providers.SaveProvider(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Updated %s\n", RenderStatus("ok"), p.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&typ, "type", "", "provider type: "+providerTypeList())
	cmd.Flags().StringVar(&url, "url", "", "base URL")
	return cmd
}

func newProvidersRemoveCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id|name>",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove a provider",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			p, err := app.Providers.Find(args[0])
			if err != nil {
				return err
			}
			if err := app.Providers.DeleteProvider(p.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %s\n", RenderStatus("ok"), p.Name)

			active, err := app.Providers.GetActiveProvider()
			if err != nil {
				return err
			}
			if active != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", RenderLabel("Active:"), active.String())
			}
			return nil
		},
	}
}

func newProvidersUseCommand(r *root) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "use <id|name>",
		Short: "Make a provider active after a connection test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			p, err := app.Providers.Find(args[0])
			if err != nil {
				return err
			}
			return activateProvider(cmd, app, p, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the connection test")
	return cmd
}

func newProvidersTestCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "test [id|name]",
		Short: "Check that a provider answers (default: the active one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			p, err := resolveProvider(app, ref)
			if err != nil {
				return err
			}
			if err := testConnection(cmd.Context(), app, p); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", RenderStatus("fail"), p.String())
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", RenderStatus("ok"), p.String())
			return nil
		},
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// activateProvider probes p and sets it active. force skips the probe.
func activateProvider(cmd *cobra.Command, app *App, p *model.Provider, force bool) error {
	if !force {
		if err := testConnection(cmd.Context(), app, p); err != nil {
			return fmt.Errorf("connection test failed, %s not activated (use --force to skip): %w", p.Name, err)
		}
	}
	if err := app.Providers.SetActiveProviderID(p.ID); err != nil {
		return err
	}
	app.Log.WithFields(logrus.Fields{"provider_id": p.ID, "forced": force}).Info("PROVIDER_ACTIVATED")
	fmt.Fprintf(cmd.OutOrStdout(), "%s Active provider: %s\n", RenderStatus("ok"), p.String())
	return nil
}

func testConnection(ctx context.Context, app *App, p *model.Provider) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectionTestTimeout)
	defer cancel()
	return app.Backend.TestConnection(ctx, p)
}

// resolveProvider returns the provider named by ref, or the active one when
// ref is empty.
func resolveProvider(app *App, ref string) (*model.Provider, error) {
	if ref != "" {
		return app.Providers.Find(ref)
	}
	p, err := app.Providers.GetActiveProvider()
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("no active provider; add one with: convobuddy providers add --use")
	}
	return p, nil
}

func providerTypeList() string {
	names := make([]string, len(model.ProviderTypes))
	for i, t := range model.ProviderTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// shortID returns the first eight characters of an id for listings.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
