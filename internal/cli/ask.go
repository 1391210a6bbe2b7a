// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One-shot question command.
//
// Command: ask <question...>
//
// Examples:
//   convobuddy ask "What is a monad?"
//   convobuddy ask --model llava --image photo.jpg "What is in this picture?"
//   git diff | convobuddy ask "Write a commit message for this diff"
//
// Nothing is saved. Piped stdin is appended to the question. Ctrl+C stops
// the reply and keeps what was received.

package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/convobuddy/internal/chat"
	"github.com/jeranaias/convobuddy/internal/config"
	"github.com/jeranaias/convobuddy/internal/llm"
	"github.com/jeranaias/convobuddy/internal/model"
	"github.com/jeranaias/convobuddy/internal/util"
)

// MaxStdinBytes bounds piped input appended to a question.
const MaxStdinBytes = 1 << 20

// AskData is the --json payload of ask.
type AskData struct {
	Response   string `json:"response"`
	Model      string `json:"model"`
	Provider   string `json:"provider"`
	Aborted    bool   `json:"aborted,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// turnError shows a user-facing notice while keeping the cause for errors.Is.
type turnError struct {
	notice string
	err    error
}

func (e *turnError) Error() string { return e.notice }
func (e *turnError) Unwrap() error { return e.err }

func noticeError(err error, p *model.Provider, hasImages bool) error {
	return &turnError{notice: chat.Notice(err, p, hasImages), err: err}
}

// genFlags are the generation flags shared by ask and chat.
type genFlags struct {
	model         string
	temperature   float64
	contextLength int
}

func (g *genFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&g.model, "model", "m", "", "model to use (default: last used, then default_model)")
	cmd.Flags().Float64VarP(&g.temperature, "temperature", "t", model.DefaultTemperature, "sampling temperature (0-2)")
	cmd.Flags().IntVar(&g.contextLength, "context-length", model.DefaultContextLength, "context window in tokens")
}

// options returns generation options: flags when set, else the config.
func (g *genFlags) options(cmd *cobra.Command, cfg *config.Config) (float64, int) {
	t, n := cfg.Generation.Temperature, cfg.Generation.ContextLength
	if cmd.Flags().Changed("temperature") {
		t = g.temperature
	}
	if cmd.Flags().Changed("context-length") {
		n = g.contextLength
	}
	return t, n
}

func newAskCommand(r *root) *cobra.Command {
	var (
		gen         genFlags
		providerRef string
		imagePaths  []string
		noStream    bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask one question without saving a chat",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}

			question, err := readQuestion(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			p, err := resolveProvider(app, providerRef)
			if err != nil {
				return err
			}
			modelName, err := resolveModel(app, gen.model)
			if err != nil {
				return err
			}

			var images []string
			if len(imagePaths) > 0 {
				if !model.IsVisionModel(modelName) {
					return fmt.Errorf("%w: %s", llm.ErrVisionRequired, modelName)
				}
				for _, path := range imagePaths {
					img, err := util.ReadImageBase64(util.ExpandHome(path))
					if err != nil {
						return fmt.Errorf("attach %s: %w", path, err)
					}
					images = append(images, img)
				}
			}

			temp, ctxLen := gen.options(cmd, app.Config)
			req := llm.ChatRequest{
				Model:    modelName,
				Messages: []model.Message{model.NewUserMessage(question, images...)},
				Options:  llm.Options{Temperature: llm.Temp(temp), ContextLength: ctxLen},
			}
			return runAsk(cmd, r, app, p, req, noStream)
		},
	}
	gen.register(cmd)
	cmd.Flags().StringVar(&providerRef, "provider", "", "provider id or name (default: active)")
	cmd.Flags().StringArrayVarP(&imagePaths, "image", "i", nil, "attach an image (repeatable, vision models only)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for the whole reply instead of streaming")
	return cmd
}

func runAsk(cmd *cobra.Command, r *root, app *App, p *model.Provider, req llm.ChatRequest, noStream bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	md := newMarkdownRenderer(app.Config, out)
	streamRaw := !r.flags.JSON && !md.Enabled()

	start := time.Now()
	var (
		full    strings.Builder
		err     error
		aborted bool
	)
	if noStream {
		var content string
		content, err = app.Backend.GenerateAIResponse(ctx, p, req)
		full.WriteString(content)
	} else {
		err = app.Backend.StreamChat(ctx, p, req, func(delta string) {
			full.WriteString(delta)
			if streamRaw {
				fmt.Fprint(out, delta)
			}
		})
	}
	if llm.IsAborted(err) || (err != nil && ctx.Err() != nil) {
		aborted, err = true, nil
	}

	log := app.Log.WithFields(logrus.Fields{
		"provider_id": p.ID,
		"model":       req.Model,
		"elapsed":     time.Since(start).Round(time.Millisecond),
	})
	if err != nil {
		log.WithError(err).Warn("ASK_FAILED")
		if streamRaw && full.Len() > 0 {
			fmt.Fprintln(out)
		}
		return noticeError(err, p, req.HasImages())
	}
	log.WithFields(logrus.Fields{"chars": full.Len(), "aborted": aborted}).Info("ASK_COMPLETE")

	if r.flags.JSON {
		return NewJSONResponse("ask", AskData{
			Response:   full.String(),
			Model:      req.Model,
			Provider:   p.Name,
			Aborted:    aborted,
			DurationMs: time.Since(start).Milliseconds(),
		}).Print(out)
	}

	switch {
	case streamRaw:
		if !strings.HasSuffix(full.String(), "\n") {
			fmt.Fprintln(out)
		}
	case full.Len() > 0:
		displayResponse(out, md, full.String())
	}
	if aborted {
		fmt.Fprintln(cmd.ErrOrStderr(), WarningStyle.Render("[Cancelled]"))
	}
	return nil
}

// readQuestion joins args and appends piped stdin.
func readQuestion(args []string, in io.Reader) (string, error) {
	question := strings.TrimSpace(strings.Join(args, " "))

	if !isTerminalReader(in) {
		data, err := io.ReadAll(io.LimitReader(in, MaxStdinBytes))
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		if piped := strings.TrimSpace(string(data)); piped != "" {
			if question == "" {
				question = piped
			} else {
				question += "\n\n" + piped
			}
		}
	}
	if question == "" {
		return "", chat.ErrEmptyInput
	}
	return question, nil
}

// resolveModel picks the model: the flag, then the last used model, then
// default_model from the config.
func resolveModel(app *App, flag string) (string, error) {
	if name := strings.TrimSpace(flag); name != "" {
		return name, nil
	}
	last, err := app.Chats.GetLastUsedModel()
	if err != nil {
		return "", err
	}
	if last != "" {
		return last, nil
	}
	if app.Config.DefaultModel != "" {
		return app.Config.DefaultModel, nil
	}
	return "", fmt.Errorf("%w; pass --model or run: convobuddy config set default_model <name>", chat.ErrNoModel)
}
