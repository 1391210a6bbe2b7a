// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chats.go - Saved chat management commands.
//
// Command: chats list|show|delete|rename|clear|export
//
// Chats are addressed by id or by a unique id prefix, as shown in listings.

package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/convobuddy/internal/export"
	"github.com/jeranaias/convobuddy/internal/model"
	"github.com/jeranaias/convobuddy/internal/storage"
)

// ErrAmbiguousChat is returned when an id prefix matches more than one chat.
var ErrAmbiguousChat = errors.New("chat id prefix matches more than one chat")

func newChatsCommand(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage saved chats",
	}
	cmd.AddCommand(
		newChatsListCommand(r),
		newChatsShowCommand(r),
		newChatsDeleteCommand(r),
		newChatsRenameCommand(r),
		newChatsClearCommand(r),
		newChatsExportCommand(r),
	)
	return cmd
}

// chatView is the --json shape of a chat listing row.
type chatView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
	Active    bool      `json:"active"`
}

func newChatsListCommand(r *root) *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved chats, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			var chats []model.ChatSession
			if search != "" {
				chats, err = app.Chats.Search(search)
			} else {
				chats, err = app.Chats.GetChats()
			}
			if err != nil {
				return err
			}
			activeID, err := app.Chats.GetActiveChatID()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if r.flags.JSON {
				views := make([]chatView, len(chats))
				for i, c := range chats {
					views[i] = chatView{
						ID:        c.ID,
						Title:     c.DisplayTitle(),
						Model:     c.Model,
						Messages:  len(c.Messages),
						UpdatedAt: c.Updated(),
						Active:    c.ID == activeID,
					}
				}
				return NewJSONResponse("chats list", views).Print(out)
			}
			printChats(out, chats, activeID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&search, "search", "s", "", "only chats whose title or messages contain this text")
	return cmd
}

func printChats(out io.Writer, chats []model.ChatSession, activeID string) {
	if len(chats) == 0 {
		fmt.Fprintln(out, "No saved chats.")
		return
	}
	t := newTable("", "ID", "TITLE", "MODEL", "MSGS", "UPDATED").limit(2, 40).limit(3, 24)
	for _, c := range chats {
		marker := ""
		if c.ID == activeID {
			marker = HighlightStyle.Render("*")
		}
		t.add(marker, shortID(c.ID), c.DisplayTitle(), c.Model,
			fmt.Sprintf("%d", len(c.Messages)), c.Updated().Local().Format("2006-01-02 15:04"))
	}
	t.render(out)
}

func newChatsShowCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a chat as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			c, err := findChat(app.Chats, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if r.flags.JSON {
				return NewJSONResponse("chats show", c).Print(out)
			}
			opts := export.DefaultOptions()
			opts.IncludeMetadata = false
			md, err := export.NewMarkdownExporter(opts).Export(c)
			if err != nil {
				return err
			}
			displayResponse(out, newMarkdownRenderer(app.Config, out), string(md))
			return nil
		},
	}
}

func newChatsDeleteCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a chat",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			c, err := findChat(app.Chats, args[0])
			if err != nil {
				return err
			}
			if err := app.Chats.DeleteChat(c.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %q\n", RenderStatus("ok"), c.DisplayTitle())
			return nil
		},
	}
}

func newChatsRenameCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title...>",
		Short: "Rename a chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			c, err := findChat(app.Chats, args[0])
			if err != nil {
				return err
			}
			title := strings.TrimSpace(strings.Join(args[1:], " "))
			if title == "" {
				return fmt.Errorf("title must not be empty")
			}
			if err := app.Chats.RenameChat(c.ID, title); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Renamed to %q\n", RenderStatus("ok"), title)
			return nil
		},
	}
}

func newChatsClearCommand(r *root) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every saved chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			chats, err := app.Chats.GetChats()
			if err != nil {
				return err
			}
			ok, err := RequireConfirmation(cmd.InOrStdin(), cmd.OutOrStdout(),
				fmt.Sprintf("delete all %d chats", len(chats)),
				ConfirmationOptions{Yes: yes, JSONMode: r.flags.JSON})
			if err != nil || !ok {
				return err
			}
			if err := app.Chats.ClearChats(); err != nil {
				return err
			}
			app.Log.WithFields(logrus.Fields{"count": len(chats)}).Info("CHATS_CLEARED")
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %d chats\n", RenderStatus("ok"), len(chats))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newChatsExportCommand(r *root) *cobra.Command {
	var (
		format, dir, theme string
		noMeta             bool
	)
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Write a chat to a Markdown, JSON or HTML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			c, err := findChat(app.Chats, args[0])
			if err != nil {
				return err
			}
			opts := export.DefaultOptions()
			opts.OutputDir = dir
			opts.Theme = theme
			opts.IncludeMetadata = !noMeta
			exp, err := export.New(format, opts)
			if err != nil {
				return err
			}
			path, err := export.ToFile(c, exp, opts)
			if err != nil {
				return err
			}
			app.Log.WithFields(logrus.Fields{"chat_id": c.ID, "format": format}).Info("CHAT_EXPORTED")

			out := cmd.OutOrStdout()
			if r.flags.JSON {
				return NewJSONResponse("chats export", map[string]string{
					"path": path, "chat_id": c.ID, "mime_type": exp.MimeType(),
				}).Print(out)
			}
			fmt.Fprintf(out, "%s Exported %q to %s\n", RenderStatus("ok"), c.DisplayTitle(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "export format: "+strings.Join(export.Formats, ", "))
	cmd.Flags().StringVarP(&dir, "output-dir", "o", ".", "directory to write to")
	cmd.Flags().StringVar(&theme, "theme", "dark", "HTML theme: dark or light")
	cmd.Flags().BoolVar(&noMeta, "no-metadata", false, "leave out the model and date header")
	return cmd
}

// findChat resolves an exact id or a unique id prefix.
func findChat(chats *storage.ChatStore, ref string) (*model.ChatSession, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, storage.ErrChatNotFound
	}
	if c, err := chats.GetChatByID(ref); err == nil {
		return c, nil
	} else if !errors.Is(err, storage.ErrChatNotFound) {
		return nil, err
	}

	all, err := chats.GetChats()
	if err != nil {
		return nil, err
	}
	var match *model.ChatSession
	for i := range all {
		if strings.HasPrefix(all[i].ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("%w: %s", ErrAmbiguousChat, ref)
			}
			match = &all[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrChatNotFound, ref)
	}
	return match, nil
}
