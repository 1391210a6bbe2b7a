// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation for convobuddy.
//
// Command: config [subcommand]
//
// Subcommands:
//   show (default)      Display the effective configuration
//   get <key>           Print one value
//   set <key> <value>   Set a value in the config file
//   keys                List every key
//   reset               Write the default configuration
//   path                Show the config file location
//
// Examples:
//   convobuddy config set generation.temperature 0.4
//   convobuddy config set storage.backend sqlite
//   convobuddy config get http.timeout
//
// show and get report the effective values, after environment variables
// and flags. set and reset edit the file only.

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/convobuddy/internal/config"
)

func newConfigCommand(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showConfig(r, cmd)
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Display the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return showConfig(r, cmd)
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print one configuration value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(r.flags, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				v, err := cfg.Get(args[0])
				if err != nil {
					return err
				}
				if r.flags.JSON {
					return NewJSONResponse("config get", map[string]interface{}{"key": args[0], "value": v}).Print(cmd.OutOrStdout())
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set a value in the config file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := configFilePath(r.flags)
				if err != nil {
					return err
				}
				cfg, err := readConfigFile(path)
				if err != nil {
					return err
				}
				if err := cfg.Set(args[0], args[1]); err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := writeConfigFile(cfg, path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s\n", RenderStatus("ok"), args[0], args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "keys",
			Short: "List every configuration key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				keys := config.GetAllKeys()
				if r.flags.JSON {
					return NewJSONResponse("config keys", keys).Print(cmd.OutOrStdout())
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			},
		},
		newConfigResetCommand(r),
		&cobra.Command{
			Use:   "path",
			Short: "Show the config file location",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, err := configFilePath(r.flags)
				if err != nil {
					return err
				}
				exists := fileExists(path)
				if r.flags.JSON {
					return NewJSONResponse("config path", map[string]interface{}{"path": path, "exists": exists}).Print(cmd.OutOrStdout())
				}
				fmt.Fprint(cmd.OutOrStdout(), path)
				if !exists {
					fmt.Fprint(cmd.OutOrStdout(), DimStyle.Render(" (not created yet)"))
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			},
		},
	)
	return cmd
}

func newConfigResetCommand(r *root) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configFilePath(r.flags)
			if err != nil {
				return err
			}
			ok, err := RequireConfirmation(cmd.InOrStdin(), cmd.OutOrStdout(), "reset "+path,
				ConfirmationOptions{Yes: yes, JSONMode: r.flags.JSON})
			if err != nil || !ok {
				return err
			}
			if err := writeConfigFile(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Reset %s\n", RenderStatus("ok"), path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// showConfig prints the effective configuration grouped by section.
func showConfig(r *root, cmd *cobra.Command) error {
	cfg, err := loadConfig(r.flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if r.flags.JSON {
		return NewJSONResponse("config show", cfg).Print(out)
	}

	fmt.Fprintln(out, TitleStyle.Render("convobuddy Configuration"))
	fmt.Fprintln(out, RenderSeparator(41))
	section := ""
	for _, key := range config.GetAllKeys() {
		if s, _, ok := strings.Cut(key, "."); ok && s != section {
			section = s
			fmt.Fprintln(out)
			fmt.Fprintln(out, TitleStyle.Render("["+section+"]"))
		}
		v, err := cfg.Get(key)
		if err != nil {
			continue
		}
		writeConfigLine(out, key, v)
	}
	return nil
}

func writeConfigLine(w io.Writer, key string, v interface{}) {
	s := fmt.Sprint(v)
	if s == "" {
		s = DimStyle.Render("(not set)")
	} else {
		s = ValueStyle.Render(s)
	}
	fmt.Fprintf(w, "  %s %s\n", RenderLabel(key+":", 28), s)
}

// configFilePath is --config, or the default TOML path.
func configFilePath(flags GlobalFlags) (string, error) {
	if flags.ConfigPath != "" {
		return flags.ConfigPath, nil
	}
	return config.ConfigPathTOML()
}

// readConfigFile decodes path over the defaults without environment
// overrides, so set does not write them back.
func readConfigFile(path string) (*config.Config, error) {
	cfg := config.Default()
	if !fileExists(path) {
		return cfg, nil
	}
	var err error
	if isJSONPath(path) {
		err = config.LoadJSON(cfg, path)
	} else {
		err = config.LoadTOML(cfg, path)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeConfigFile(cfg *config.Config, path string) error {
	if isJSONPath(path) {
		return config.SaveJSON(cfg, path)
	}
	return config.SaveTOML(cfg, path)
}

func isJSONPath(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".json")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
