// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command for convobuddy.
//
// Command: chat [--model M] [--chat ID] [--temperature T] [--context-length N]
//
// Every turn is saved as it streams, so a second terminal (or a crash)
// never loses more than the delta in flight. The last active chat is
// resumed on start unless --new is passed.
//
// Key bindings:
//   Up/Down   Input history
//   Tab       Complete slash commands
//   Ctrl+C    Stop the reply in progress (keeps what arrived)
//   Ctrl+D    Exit

package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/convobuddy/internal/chat"
	"github.com/jeranaias/convobuddy/internal/model"
	"github.com/jeranaias/convobuddy/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI that keeps its history in historyFile.
func NewChatCLI(historyFile string) *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeSlashCommand)

	c := &ChatCLI{line: line, historyFile: historyFile}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	var buf bytes.Buffer
	if _, err := c.line.WriteHistory(&buf); err != nil {
		return
	}
	_ = util.AtomicWriteFileWithDir(c.historyFile, buf.Bytes(), 0600, 0700)
}

// Close saves history and restores the terminal.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

var slashCommands = []struct {
	cmd  string
	desc string
}{
	{"/help", "Show this help"},
	{"/new", "Start a new chat"},
	{"/model [name]", "Show or switch model"},
	{"/models", "List models on the active provider"},
	{"/chats [text]", "List saved chats, optionally filtered"},
	{"/load <id>", "Resume a saved chat"},
	{"/params [temperature|context] [value]", "Show or set generation parameters"},
	{"/attach <path>", "Attach an image to the next message"},
	{"/detach", "Drop pending attachments"},
	{"/image <prompt>", "Generate an image into the chat"},
	{"/quit", "Exit chat"},
}

func completeSlashCommand(line string) []string {
	if !strings.HasPrefix(line, "/") || strings.Contains(line, " ") {
		return nil
	}
	var out []string
	for _, c := range slashCommands {
		name, _, _ := strings.Cut(c.cmd, " ")
		if strings.HasPrefix(name, line) {
			out = append(out, name+" ")
		}
	}
	return out
}

// =============================================================================
// REPL
// =============================================================================

// repl runs chat turns for one terminal session.
type repl struct {
	app    *App
	orch   *chat.Orchestrator
	out    io.Writer
	errOut io.Writer
	md     *markdownRenderer

	// pending holds base64 images for the next message.
	pending []string
	turns   int
}

func newChatCommand(r *root) *cobra.Command {
	var (
		gen    genFlags
		chatID string
		fresh  bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			rp, err := newREPL(app, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rp.orch.Close()

			if err := rp.setup(cmd, &gen, chatID, fresh); err != nil {
				return err
			}
			return rp.run(cmd.Context())
		},
	}
	gen.register(cmd)
	cmd.Flags().StringVar(&chatID, "chat", "", "resume this chat id (or unique prefix)")
	cmd.Flags().BoolVar(&fresh, "new", false, "start a new chat instead of resuming the last one")
	return cmd
}

// newREPL wires an orchestrator whose deltas print to out.
func newREPL(app *App, out, errOut io.Writer) (*repl, error) {
	rp := &repl{
		app:    app,
		out:    out,
		errOut: errOut,
		md:     newMarkdownRenderer(app.Config, out),
	}
	rp.orch = chat.New(chat.Config{
		Chats:         app.Chats,
		Providers:     app.Providers,
		Backend:       app.Backend,
		Log:           app.Log,
		Temperature:   app.Config.Generation.Temperature,
		ContextLength: app.Config.Generation.ContextLength,
		OnDelta: func(delta string) {
			if !rp.md.Enabled() {
				fmt.Fprint(rp.out, delta)
			}
		},
		OnExternalChange: func(s *model.ChatSession) {
			msg := "[Chat changed in another window]"
			if s.ID == "" {
				msg = "[Chat was deleted in another window]"
			}
			fmt.Fprintln(rp.errOut, "\n"+DimStyle.Render(msg))
		},
	})
	if err := rp.orch.Restore(); err != nil {
		rp.orch.Close()
		return nil, err
	}
	return rp, nil
}

// setup applies command-line choices over the restored state.
func (rp *repl) setup(cmd *cobra.Command, gen *genFlags, chatID string, fresh bool) error {
	switch {
	case chatID != "":
		c, err := findChat(rp.app.Chats, chatID)
		if err != nil {
			return err
		}
		if err := rp.orch.LoadChat(c.ID); err != nil {
			return err
		}
	case fresh:
		if err := rp.orch.NewChat(); err != nil {
			return err
		}
	}

	switch {
	case gen.model != "":
		if err := rp.orch.SelectModel(gen.model); err != nil {
			return err
		}
	case rp.orch.Model() == "" && rp.app.Config.DefaultModel != "":
		if err := rp.orch.SelectModel(rp.app.Config.DefaultModel); err != nil {
			return err
		}
	}

	if cmd.Flags().Changed("temperature") {
		if err := rp.orch.SetTemperature(gen.temperature); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("context-length") {
		if err := rp.orch.SetContextLength(gen.contextLength); err != nil {
			return err
		}
	}
	return nil
}

// run reads lines until /quit or EOF.
func (rp *repl) run(ctx context.Context) error {
	input := NewChatCLI(rp.app.Config.HistoryPath())
	defer input.Close()

	// Ctrl+C while a reply streams cancels it; at the prompt liner handles it.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(sigChan)
		close(sigChan)
	}()
	go func() {
		for range sigChan {
			rp.orch.Cancel()
		}
	}()

	rp.printWelcome()
	for {
		line, err := input.ReadInput(promptStyle.Render("you> "))
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D or a closed stdin.
			fmt.Fprintln(rp.out)
			rp.printExitSummary()
			return nil
		}
		quit, err := rp.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(rp.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
		if quit {
			rp.printExitSummary()
			return nil
		}
	}
}

// handle processes one input line. It reports whether the REPL should exit.
func (rp *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
		return true, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, rp.submit(ctx, line)
	}

	fields := strings.Fields(line)
	command := strings.ToLower(fields[0])
	args := fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch command {
	case "/help", "/h", "/?", "/":
		rp.printHelp()
	case "/quit", "/q", "/exit":
		return true, nil
	case "/new":
		if err := rp.orch.NewChat(); err != nil {
			return false, err
		}
		rp.pending = nil
		fmt.Fprintln(rp.out, commandStyle.Render("[New chat]"))
	case "/model", "/m":
		return false, rp.handleModel(ctx, args)
	case "/models":
		return false, rp.handleModels(ctx)
	case "/chats":
		return false, rp.handleChats(rest)
	case "/load":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /load <id>")
		}
		return false, rp.handleLoad(args[0])
	case "/params":
		return false, rp.handleParams(args)
	case "/attach":
		if rest == "" {
			return false, fmt.Errorf("usage: /attach <path>")
		}
		return false, rp.handleAttach(rest)
	case "/detach":
		rp.pending = nil
		fmt.Fprintln(rp.out, commandStyle.Render("[Attachments cleared]"))
	case chat.ImageCommand:
		return false, rp.submit(ctx, line)
	default:
		return false, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
	return false, nil
}

// submit sends one turn and prints its outcome. Deltas were already
// printed by OnDelta unless markdown rendering is on.
func (rp *repl) submit(ctx context.Context, line string) error {
	reply, err := rp.orch.Submit(ctx, line, rp.pending)
	if err != nil {
		return err
	}
	rp.pending = nil
	rp.turns++

	streamed := !rp.md.Enabled() && reply.Image == nil && !reply.Failed
	switch {
	case reply.Failed:
		if !rp.md.Enabled() {
			// Partial deltas may precede the failure.
			fmt.Fprintln(rp.out)
		}
		fmt.Fprintln(rp.errOut, ErrorStyle.Render(reply.Content))
	case reply.Image != nil:
		fmt.Fprintf(rp.out, "%s Image saved to this chat (%d KB). Export it with: convobuddy chats show %s\n",
			commandStyle.Render("[Image]"), len(reply.Image.B64)*3/4/1024, shortID(rp.orch.Session().ID))
	case streamed:
		fmt.Fprintln(rp.out)
	default:
		displayResponse(rp.out, rp.md, reply.Content)
	}
	if reply.Aborted {
		fmt.Fprintln(rp.errOut, WarningStyle.Render("[Cancelled]"))
	}
	return nil
}

func (rp *repl) handleModel(ctx context.Context, args []string) error {
	if len(args) == 0 {
		current := rp.orch.Model()
		if current == "" {
			current = "(none)"
		}
		fmt.Fprintf(rp.out, "%s Current model: %s\n", InfoStyle.Render("[Model]"), commandStyle.Render(current))
		return nil
	}

	name := args[0]
	if p, err := resolveProvider(rp.app, ""); err == nil {
		if models, err := fetchModels(ctx, rp.app, p); err == nil && !containsModel(models, name) {
			fmt.Fprintf(rp.errOut, "%s %s is not listed by %s, will try it anyway\n",
				WarningStyle.Render("[Warning]"), name, p.Name)
		}
	}
	if err := rp.orch.SelectModel(name); err != nil {
		return err
	}
	fmt.Fprintf(rp.out, "%s Switched to model: %s\n", commandStyle.Render("[OK]"), name)
	if len(rp.pending) > 0 && !model.IsVisionModel(name) {
		fmt.Fprintf(rp.errOut, "%s %s does not look like a vision model; pending images will be refused\n",
			WarningStyle.Render("[Warning]"), name)
	}
	return nil
}

func (rp *repl) handleModels(ctx context.Context) error {
	p, err := resolveProvider(rp.app, "")
	if err != nil {
		return err
	}
	models, err := fetchModels(ctx, rp.app, p)
	if err != nil {
		return noticeError(err, p, false)
	}
	printModels(rp.out, p, models, rp.orch.Model())
	return nil
}

func (rp *repl) handleChats(query string) error {
	var (
		chats []model.ChatSession
		err   error
	)
	if query != "" {
		chats, err = rp.app.Chats.Search(query)
	} else {
		chats, err = rp.app.Chats.GetChats()
	}
	if err != nil {
		return err
	}
	printChats(rp.out, chats, rp.orch.Session().ID)
	return nil
}

func (rp *repl) handleLoad(ref string) error {
	c, err := findChat(rp.app.Chats, ref)
	if err != nil {
		return err
	}
	if err := rp.orch.LoadChat(c.ID); err != nil {
		return err
	}
	rp.pending = nil
	rp.app.Log.WithFields(logrus.Fields{"chat_id": c.ID}).Debug("REPL_CHAT_LOADED")
	fmt.Fprintf(rp.out, "%s %s\n", commandStyle.Render("[Loaded]"), c.DisplayTitle())
	rp.printTranscript(rp.orch.Session())
	return nil
}

func (rp *repl) handleParams(args []string) error {
	if len(args) == 0 {
		t, n := rp.orch.Params()
		fmt.Fprintf(rp.out, "%s %.2f\n", RenderLabel("temperature:"), t)
		fmt.Fprintf(rp.out, "%s %d\n", RenderLabel("context:"), n)
		return nil
	}
	if len(args) != 2 {
		return fmt.Errorf("usage: /params [temperature|context] [value]")
	}
	switch strings.ToLower(args[0]) {
	case "temperature", "temp", "t":
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid temperature %q", args[1])
		}
		if err := rp.orch.SetTemperature(v); err != nil {
			return err
		}
	case "context", "context_length", "ctx", "c":
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid context length %q", args[1])
		}
		if err := rp.orch.SetContextLength(v); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown parameter %q (want temperature or context)", args[0])
	}
	fmt.Fprintf(rp.out, "%s %s = %s\n", commandStyle.Render("[OK]"), args[0], args[1])
	return nil
}

func (rp *repl) handleAttach(path string) error {
	img, err := util.ReadImageBase64(util.ExpandHome(path))
	if err != nil {
		return err
	}
	rp.pending = append(rp.pending, img)
	fmt.Fprintf(rp.out, "%s %s (%d pending)\n", commandStyle.Render("[Attached]"), path, len(rp.pending))
	if m := rp.orch.Model(); m != "" && !model.IsVisionModel(m) {
		fmt.Fprintf(rp.errOut, "%s %s does not look like a vision model; switch with /model before sending\n",
			WarningStyle.Render("[Warning]"), m)
	}
	return nil
}

func containsModel(models []model.ModelInfo, name string) bool {
	for _, m := range models {
		if m.ID == name {
			return true
		}
	}
	return false
}

// =============================================================================
// DISPLAY FUNCTIONS
// =============================================================================

var dataURIImage = regexp.MustCompile(`!\[([^\]]*)\]\(data:image/[^)]*\)`)

// printableContent replaces embedded data-URI images with a short marker.
func printableContent(content string) string {
	return dataURIImage.ReplaceAllString(content, "[image: $1]")
}

func (rp *repl) printTranscript(s *model.ChatSession) {
	for _, m := range s.Messages {
		style := userRoleStyle
		if m.Role == model.RoleAssistant {
			style = assistantRoleStyle
		}
		label := m.Role.DisplayName() + ":"
		if m.HasImages() {
			label += fmt.Sprintf(" [%d image(s)]", len(m.Images))
		}
		fmt.Fprintln(rp.out, style.Render(label))
		displayResponse(rp.out, rp.md, printableContent(m.Content))
	}
}

func (rp *repl) printWelcome() {
	fmt.Fprintln(rp.out)
	fmt.Fprintln(rp.out, welcomeStyle.Render("convobuddy chat"))
	fmt.Fprintln(rp.out, RenderSeparatorAdaptive())

	if p, err := rp.app.Providers.GetActiveProvider(); err == nil && p != nil {
		fmt.Fprintf(rp.out, "%s %s\n", InfoStyle.Render("Provider:"), commandStyle.Render(p.String()))
	} else {
		fmt.Fprintf(rp.out, "%s %s\n", InfoStyle.Render("Provider:"),
			WarningStyle.Render("none (add one with: convobuddy providers add --use)"))
	}
	current := rp.orch.Model()
	if current == "" {
		current = WarningStyle.Render("none (pick one with /model <name>)")
	} else {
		current = commandStyle.Render(current)
	}
	fmt.Fprintf(rp.out, "%s %s\n", InfoStyle.Render("Model:"), current)

	if s := rp.orch.Session(); s.ID != "" {
		fmt.Fprintf(rp.out, "%s %s (%d messages)\n", InfoStyle.Render("Resuming:"), s.DisplayTitle(), len(s.Messages))
	}
	fmt.Fprintln(rp.out)
	fmt.Fprintln(rp.out, InfoStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Fprintln(rp.out)
}

func (rp *repl) printHelp() {
	fmt.Fprintln(rp.out)
	fmt.Fprintln(rp.out, TitleStyle.Render("Available Commands"))
	fmt.Fprintln(rp.out, InfoStyle.Render(strings.Repeat("─", 20)))
	for _, c := range slashCommands {
		fmt.Fprintf(rp.out, "  %s  %s\n", commandStyle.Render(util.PadWidth(c.cmd, 38)), InfoStyle.Render(c.desc))
	}
	fmt.Fprintln(rp.out)
	fmt.Fprintln(rp.out, InfoStyle.Render("Tip: Ctrl+C stops the current reply, Ctrl+D exits"))
	fmt.Fprintln(rp.out)
}

func (rp *repl) printExitSummary() {
	s := rp.orch.Session()
	if rp.turns == 0 || s.ID == "" {
		return
	}
	fmt.Fprintf(rp.out, "%s %q, %d messages (resume with: convobuddy chat --chat %s)\n",
		DimStyle.Render("Saved"), s.DisplayTitle(), len(s.Messages), shortID(s.ID))
}
