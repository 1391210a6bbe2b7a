// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/convobuddy/internal/chat"
	"github.com/jeranaias/convobuddy/internal/config"
	"github.com/jeranaias/convobuddy/internal/model"
	"github.com/jeranaias/convobuddy/internal/provider"
	"github.com/jeranaias/convobuddy/internal/storage"
)

// pngBytes is enough of a PNG for content sniffing.
var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

// =============================================================================
// FAKE SERVER
// =============================================================================

// fakeServer answers both the native and the OpenAI-compatible dialects.
type fakeServer struct {
	*httptest.Server
	chats  atomic.Int32
	images atomic.Int32
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"models":[
			{"name":"llama3:8b","size":4700000000,"details":{"family":"llama","parameter_size":"8B"}},
			{"name":"llava:7b","size":4100000000,"details":{"family":"llava","parameter_size":"7B"}}]}`)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		fs.chats.Add(1)
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`+"\n")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`+"\n")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":""},"done":true}`+"\n")
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"local-model","object":"model"}]}`)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		fs.chats.Add(1)
		var body struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
			_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Full reply"},"finish_reason":"stop"}]}`)
	})
	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		fs.images.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data":    []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(pngBytes)}},
		})
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

// =============================================================================
// HELPERS
// =============================================================================

// isolate points HOME at a temp dir and clears overrides. It returns the
// data dir to pass with --data-dir.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("NO_COLOR", "1")
	for _, k := range []string{
		config.EnvDataDir, config.EnvStorage, config.EnvLogLevel,
		config.EnvTemperature, config.EnvContextLength, config.EnvModel,
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	return filepath.Join(home, "data")
}

type result struct {
	stdout string
	stderr string
	err    error
}

func run(t *testing.T, dataDir string, args ...string) result {
	t.Helper()
	cmd, cleanup := NewRootCommand()
	defer cleanup()

	var out, errOut bytes.Buffer
	cmd.SetArgs(append([]string{"--data-dir", dataDir, "--log-level", "warn"}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	err := cmd.ExecuteContext(context.Background())
	return result{stdout: out.String(), stderr: errOut.String(), err: err}
}

// openApp opens the services on dataDir; it is closed with the test.
func openApp(t *testing.T, dataDir string) *App {
	t.Helper()
	app, err := Open(context.Background(), GlobalFlags{DataDir: dataDir, LogLevel: "warn"}, io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

// seed runs fn against the store and closes it again.
func seed(t *testing.T, dataDir string, fn func(app *App)) {
	t.Helper()
	app, err := Open(context.Background(), GlobalFlags{DataDir: dataDir, LogLevel: "warn"}, io.Discard)
	require.NoError(t, err)
	fn(app)
	require.NoError(t, app.Close())
}

func addProvider(t *testing.T, dataDir string, typ model.ProviderType, url string) string {
	t.Helper()
	var id string
	seed(t, dataDir, func(app *App) {
		p := &model.Provider{Name: "box", Type: typ, URL: url}
		require.NoError(t, app.Providers.SaveProvider(p))
		require.NoError(t, app.Providers.SetActiveProviderID(p.ID))
		id = p.ID
	})
	return id
}

func decodeJSON(t *testing.T, s string, data any) JSONResponse {
	t.Helper()
	resp := JSONResponse{Data: data}
	require.NoError(t, json.Unmarshal([]byte(s), &resp), s)
	return resp
}

// =============================================================================
// PROVIDERS
// =============================================================================

func TestProviders_AddListUseTest(t *testing.T) {
	dir := isolate(t)
	srv := newFakeServer(t)

	res := run(t, dir, "providers", "add", "--type", "ollama", "--url", srv.URL, "--name", "box", "--use")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "Added box")
	assert.Contains(t, res.stdout, "Active provider: box")

	res = run(t, dir, "providers", "list")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "box")
	assert.Contains(t, res.stdout, "Ollama")
	assert.Contains(t, res.stdout, "*")

	var views []providerView
	res = run(t, dir, "--json", "providers", "list")
	require.NoError(t, res.err)
	resp := decodeJSON(t, res.stdout, &views)
	assert.True(t, resp.Success)
	require.Len(t, views, 1)
	assert.True(t, views[0].Active)
	assert.Equal(t, srv.URL, views[0].URL)

	res = run(t, dir, "providers", "test", "BOX")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "[OK]")
}

func TestProviders_UseProbesUnlessForced(t *testing.T) {
	dir := isolate(t)
	srv := newFakeServer(t)
	addProvider(t, dir, model.ProviderOllama, srv.URL)

	res := run(t, dir, "providers", "add", "--type", "llama-cpp", "--url", "http://127.0.0.1:1", "--name", "dead")
	require.NoError(t, res.err)

	res = run(t, dir, "providers", "use", "dead")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "connection test failed")

	seed(t, dir, func(app *App) {
		active, err := app.Providers.GetActiveProvider()
		require.NoError(t, err)
		assert.Equal(t, "box", active.Name)
	})

	res = run(t, dir, "providers", "use", "dead", "--force")
	require.NoError(t, res.err)
	seed(t, dir, func(app *App) {
		active, err := app.Providers.GetActiveProvider()
		require.NoError(t, err)
		assert.Equal(t, "dead", active.Name)
	})
}

func TestProviders_EditAndRemove(t *testing.T) {
	dir := isolate(t)
	addProvider(t, dir, model.ProviderOllama, "http://127.0.0.1:11434")

	res := run(t, dir, "providers", "edit", "box")
	require.Error(t, res.err)

	res = run(t, dir, "providers", "edit", "box", "--name", "renamed", "--type", "lmstudio", "--url", "localhost:1234")
	require.NoError(t, res.err, res.stderr)
	seed(t, dir, func(app *App) {
		p, err := app.Providers.Find("renamed")
		require.NoError(t, err)
		assert.Equal(t, model.ProviderLMStudio, p.Type)
		assert.Equal(t, "http://localhost:1234", p.URL)
	})

	res = run(t, dir, "providers", "remove", "renamed")
	require.NoError(t, res.err)
	res = run(t, dir, "providers", "remove", "renamed")
	require.ErrorIs(t, res.err, provider.ErrProviderNotFound)
}

// =============================================================================
// MODELS
// =============================================================================

func TestModels(t *testing.T) {
	dir := isolate(t)
	srv := newFakeServer(t)
	addProvider(t, dir, model.ProviderOllama, srv.URL)

	res := run(t, dir, "models")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "llama3:8b")
	assert.Contains(t, res.stdout, "8B")
	assert.Contains(t, res.stdout, "4.4 GB")

	var views []modelView
	res = run(t, dir, "--json", "models")
	require.NoError(t, res.err)
	decodeJSON(t, res.stdout, &views)
	require.Len(t, views, 2)
	assert.Equal(t, "llama3:8b", views[0].ID)
	assert.False(t, views[0].Vision)
	assert.True(t, views[1].Vision)
}

func TestModels_NoProvider(t *testing.T) {
	dir := isolate(t)
	res := run(t, dir, "models")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "no active provider")
}

// =============================================================================
// ASK
// =============================================================================

func TestAsk_Streams(t *testing.T) {
	dir := isolate(t)
	srv := newFakeServer(t)
	addProvider(t, dir, model.ProviderOllama, srv.URL)

	res := run(t, dir, "ask", "--model", "llama3:8b", "say", "hello")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "Hello\n", res.stdout)

	seed(t, dir, func(app *App) {
		chats, err := app.Chats.GetChats()
		require.NoError(t, err)
		assert.Empty(t, chats, "ask must not save a chat")
	})
}

func TestAsk_OpenAIDialectAndNoStream(t *testing.T) {
	dir := isolate(t)
	srv := newFakeServer(t)
	addProvider(t, dir, model.ProviderLlamaCpp, srv.URL)

	res := run(t, dir, "ask", "-m", "local-model", "hi")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "Hello\n", res.stdout)

	res = run(t, dir, "ask", "-m", "local-model", "--no-stream", "hi")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "Full reply\n", res.stdout)
}

func TestAsk_JSON(t *testing.T) {
	dir := isolate(t)
	srv := newFakeServer(t)
	addProvider(t, dir, model.ProviderOllama, srv.URL)

	var data AskData
	res := run(t, dir, "--json", "ask", "-m", "llama3:8b", "hi")
	require.NoError(t, res.err)
	decodeJSON(t, res.stdout, &data)
	assert.Equal(t, "Hello", data.Response)
	assert.Equal(t, "llama3:8b", data.Model)
	assert.Equal(t, "box", data.Provider)
}

func TestAsk_ModelPrecedence(t *testing.T) {
	dir := isolate(t)
	srv := newFakeServer(t)
	addProvider(t, dir, model.ProviderOllama, srv.URL)

	res := run(t, dir, "ask", "hi")
	require.ErrorIs(t, res.err, chat.ErrNoModel)

	t.Setenv(config.EnvModel, "from-config")
	app := openApp(t, dir)
	name, err := resolveModel(app, "")
	require.NoError(t, err)
	assert.Equal(t, "from-config", name)

	require.NoError(t, app.Chats.SetLastUsedModel("last-used"))
	name, err = resolveModel(app, "")
	require.NoError(t, err)
	assert.Equal(t, "last-used", name)

	name, err = resolveModel(app, "flag")
	require.NoError(t, err)
	assert.Equal(t, "flag", name)
}

func TestAsk_ImageNeedsVisionModel(t *testing.T) {
	dir := isolate(t)
	srv := newFakeServer(t)
	addProvider(t, dir, model.ProviderOllama, srv.URL)
	img := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(img, pngBytes, 0600))

	res := run(t, dir, "ask", "-m", "llama3:8b", "--image", img, "what is this")
	require.Error(t, res.err)
	assert.Equal(t, int32(0), srv.chats.Load())

	res = run(t, dir, "ask", "-m", "llava:7b", "--image", img, "what is this")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, int32(1), srv.chats.Load())
}

func TestAsk_ConnectionFailureShowsNotice(t *testing.T) {
	dir := isolate(t)
	addProvider(t, dir, model.ProviderOllama, "http://127.0.0.1:1")

	res := run(t, dir, "ask", "-m", "llama3:8b", "hi")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "Could not connect to box")
}

func TestReadQuestion(t *testing.T) {
	q, err := readQuestion([]string{"explain"}, strings.NewReader("some diff\n"))
	require.NoError(t, err)
	assert.Equal(t, "explain\n\nsome diff", q)

	q, err = readQuestion(nil, strings.NewReader("only stdin"))
	require.NoError(t, err)
	assert.Equal(t, "only stdin", q)

	_, err = readQuestion(nil, strings.NewReader("  "))
	require.ErrorIs(t, err, chat.ErrEmptyInput)
}

// =============================================================================
// CHATS
// =============================================================================

func seedChats(t *testing.T, dir string) (string, string) {
	t.Helper()
	var first, second string
	seed(t, dir, func(app *App) {
		a := &model.ChatSession{
			Title:    "Greeting",
			Model:    "llama3:8b",
			Messages: []model.Message{model.NewUserMessage("hello there"), model.NewAssistantMessage("General Kenobi")},
		}
		require.NoError(t, app.Chats.SaveChat(a))
		b := &model.ChatSession{
			Title:    "Recipes",
			Messages: []model.Message{model.NewUserMessage("pancakes?")},
		}
		require.NoError(t, app.Chats.SaveChat(b))
		require.NoError(t, app.Chats.SetActiveChatID(b.ID))
		first, second = a.ID, b.ID
	})
	return first, second
}

func TestChats_ListAndSearch(t *testing.T) {
	dir := isolate(t)
	first, second := seedChats(t, dir)

	res := run(t, dir, "chats", "list")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Greeting")
	assert.Contains(t, res.stdout, "Recipes")
	assert.Less(t, strings.Index(res.stdout, "Recipes"), strings.Index(res.stdout, "Greeting"), "newest first")

	var views []chatView
	res = run(t, dir, "--json", "chats", "list", "--search", "kenobi")
	require.NoError(t, res.err)
	decodeJSON(t, res.stdout, &views)
	require.Len(t, views, 1)
	assert.Equal(t, first, views[0].ID)
	assert.False(t, views[0].Active)
	assert.NotEqual(t, second, views[0].ID)
}

func TestChats_ShowRenameDelete(t *testing.T) {
	dir := isolate(t)
	first, _ := seedChats(t, dir)

	res := run(t, dir, "chats", "show", first[:8])
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "# Greeting")
	assert.Contains(t, res.stdout, "General Kenobi")

	res = run(t, dir, "chats", "rename", first, "Star", "Wars")
	require.NoError(t, res.err)
	seed(t, dir, func(app *App) {
		c, err := app.Chats.GetChatByID(first)
		require.NoError(t, err)
		assert.Equal(t, "Star Wars", c.Title)
	})

	res = run(t, dir, "chats", "delete", first)
	require.NoError(t, res.err)
	res = run(t, dir, "chats", "delete", first)
	require.ErrorIs(t, res.err, storage.ErrChatNotFound)
}

func TestChats_Export(t *testing.T) {
	dir := isolate(t)
	first, _ := seedChats(t, dir)
	outDir := filepath.Join(t.TempDir(), "out")

	var data map[string]string
	res := run(t, dir, "--json", "chats", "export", first[:8], "--format", "html", "-o", outDir)
	require.NoError(t, res.err, res.stderr)
	decodeJSON(t, res.stdout, &data)
	assert.Equal(t, first, data["chat_id"])
	assert.Equal(t, "text/html", data["mime_type"])
	assert.Equal(t, outDir, filepath.Dir(data["path"]))

	page, err := os.ReadFile(data["path"])
	require.NoError(t, err)
	assert.Contains(t, string(page), "<title>Greeting</title>")

	res = run(t, dir, "chats", "export", first, "--format", "pdf", "-o", outDir)
	assert.ErrorContains(t, res.err, "unknown export format")
}

func TestChats_Clear(t *testing.T) {
	dir := isolate(t)
	seedChats(t, dir)

	res := run(t, dir, "--json", "chats", "clear")
	require.Error(t, res.err, "json mode needs --yes")

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"--data-dir", dir, "--log-level", "warn", "--json", "chats", "clear"}, &out, io.Discard)
	require.Error(t, err)
	resp := decodeJSON(t, out.String(), nil)
	assert.False(t, resp.Success)
	assert.Equal(t, "chats clear", resp.Command)
	require.NotNil(t, resp.Error)
	assert.Contains(t, *resp.Error, "--yes")

	res = run(t, dir, "chats", "clear", "--yes")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Deleted 2 chats")

	seed(t, dir, func(app *App) {
		chats, err := app.Chats.GetChats()
		require.NoError(t, err)
		assert.Empty(t, chats)
	})
}

func TestFindChat_AmbiguousPrefix(t *testing.T) {
	app := openApp(t, isolate(t))
	require.NoError(t, app.Chats.SaveChat(&model.ChatSession{ID: "abc-1", Title: "one"}))
	require.NoError(t, app.Chats.SaveChat(&model.ChatSession{ID: "abc-2", Title: "two"}))

	_, err := findChat(app.Chats, "abc")
	require.ErrorIs(t, err, ErrAmbiguousChat)

	c, err := findChat(app.Chats, "abc-2")
	require.NoError(t, err)
	assert.Equal(t, "two", c.Title)

	_, err = findChat(app.Chats, "zzz")
	require.ErrorIs(t, err, storage.ErrChatNotFound)
}

// =============================================================================
// IMAGE
// =============================================================================

func TestImage_WritesFile(t *testing.T) {
	dir := isolate(t)
	srv := newFakeServer(t)
	addProvider(t, dir, model.ProviderOllama, srv.URL)
	out := filepath.Join(t.TempDir(), "cat.png")

	res := run(t, dir, "image", "-o", out, "a", "cat")
	require.NoError(t, res.err, res.stderr)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestImage_UnsupportedProvider(t *testing.T) {
	dir := isolate(t)
	srv := newFakeServer(t)
	addProvider(t, dir, model.ProviderLMStudio, srv.URL)

	res := run(t, dir, "image", "-o", filepath.Join(t.TempDir(), "x.png"), "a cat")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "not supported by LM Studio")
	assert.Equal(t, int32(0), srv.images.Load())
}

// =============================================================================
// MIGRATE
// =============================================================================

func TestMigrate_ConvertsLegacySettings(t *testing.T) {
	dir := isolate(t)
	kv, err := storage.OpenFile(filepath.Join(dir, "convobuddy.json"), nil)
	require.NoError(t, err)
	require.NoError(t, kv.Set(provider.LegacyKeyType, "ollama"))
	require.NoError(t, kv.Set(provider.LegacyKeyHost, "http://10.0.0.5"))
	require.NoError(t, kv.Set(provider.LegacyKeyPort, "11434"))
	require.NoError(t, kv.Close())

	var v migrationView
	res := run(t, dir, "--json", "migrate")
	require.NoError(t, res.err, res.stderr)
	decodeJSON(t, res.stdout, &v)
	assert.True(t, v.Applied)
	assert.Equal(t, 0, v.FromVersion)
	assert.Equal(t, provider.SchemaVersion, v.ToVersion)
	assert.NotEmpty(t, v.ProviderID)

	res = run(t, dir, "migrate")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "nothing to do")

	res = run(t, dir, "providers", "list")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "http://10.0.0.5:11434")
}

// =============================================================================
// CONFIG
// =============================================================================

func TestConfig_SetGet(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	res := run(t, dir, "--config", path, "config", "set", "generation.temperature", "0.3")
	require.NoError(t, res.err, res.stderr)

	res = run(t, dir, "--config", path, "config", "get", "generation.temperature")
	require.NoError(t, res.err)
	assert.Equal(t, "0.3\n", res.stdout)

	res = run(t, dir, "--config", path, "config", "set", "storage.backend", "floppy")
	require.Error(t, res.err)

	res = run(t, dir, "--config", path, "config", "show")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "[generation]")
	assert.Contains(t, res.stdout, "0.3")
}

func TestConfig_KeysAndPath(t *testing.T) {
	dir := isolate(t)

	res := run(t, dir, "config", "keys")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "storage.backend")

	res = run(t, dir, "config", "path")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, filepath.Join(".convobuddy", "config.toml"))
	assert.Contains(t, res.stdout, "not created yet")
}

// =============================================================================
// CHAT REPL
// =============================================================================

type replFixture struct {
	rp     *repl
	app    *App
	srv    *fakeServer
	out    *bytes.Buffer
	errOut *bytes.Buffer
}

func newREPLFixture(t *testing.T, typ model.ProviderType) *replFixture {
	t.Helper()
	dir := isolate(t)
	srv := newFakeServer(t)
	addProvider(t, dir, typ, srv.URL)

	app := openApp(t, dir)
	var out, errOut bytes.Buffer
	rp, err := newREPL(app, &out, &errOut)
	require.NoError(t, err)
	t.Cleanup(rp.orch.Close)
	return &replFixture{rp: rp, app: app, srv: srv, out: &out, errOut: &errOut}
}

func (f *replFixture) handle(t *testing.T, line string) bool {
	t.Helper()
	quit, err := f.rp.handle(context.Background(), line)
	require.NoError(t, err, line)
	return quit
}

func TestREPL_TurnIsSaved(t *testing.T) {
	f := newREPLFixture(t, model.ProviderOllama)
	ctx := context.Background()

	_, err := f.rp.handle(ctx, "hello")
	require.ErrorIs(t, err, chat.ErrNoModel)

	f.handle(t, "/model llama3:8b")
	assert.Contains(t, f.out.String(), "Switched to model: llama3:8b")

	f.out.Reset()
	f.handle(t, "hello")
	assert.Equal(t, "Hello\n", f.out.String())

	chats, err := f.app.Chats.GetChats()
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "hello", chats[0].Title)
	require.Len(t, chats[0].Messages, 2)
	assert.Equal(t, "Hello", chats[0].Messages[1].Content)

	last, err := f.app.Chats.GetLastUsedModel()
	require.NoError(t, err)
	assert.Equal(t, "llama3:8b", last)
}

func TestREPL_NewAndLoad(t *testing.T) {
	f := newREPLFixture(t, model.ProviderOllama)
	f.handle(t, "/model llama3:8b")
	f.handle(t, "first chat")
	firstID := f.rp.orch.Session().ID
	require.NotEmpty(t, firstID)

	f.handle(t, "/new")
	assert.Empty(t, f.rp.orch.Session().ID)
	active, err := f.app.Chats.GetActiveChatID()
	require.NoError(t, err)
	assert.Empty(t, active)

	f.out.Reset()
	f.handle(t, "/chats")
	assert.Contains(t, f.out.String(), "first chat")

	f.out.Reset()
	f.handle(t, "/load "+firstID[:8])
	assert.Equal(t, firstID, f.rp.orch.Session().ID)
	assert.Contains(t, f.out.String(), "You:")
	assert.Contains(t, f.out.String(), "Hello")

	_, err = f.rp.handle(context.Background(), "/load")
	require.Error(t, err)
}

func TestREPL_Params(t *testing.T) {
	f := newREPLFixture(t, model.ProviderOllama)

	f.handle(t, "/params temperature 0.3")
	f.handle(t, "/params context 8192")
	temp, n := f.rp.orch.Params()
	assert.Equal(t, 0.3, temp)
	assert.Equal(t, 8192, n)

	f.out.Reset()
	f.handle(t, "/params")
	assert.Contains(t, f.out.String(), "0.30")
	assert.Contains(t, f.out.String(), "8192")

	for _, bad := range []string{"/params temperature 3", "/params context 100", "/params top_p 1", "/params temperature"} {
		_, err := f.rp.handle(context.Background(), bad)
		assert.Error(t, err, bad)
	}
}

func TestREPL_AttachNeedsVisionModel(t *testing.T) {
	f := newREPLFixture(t, model.ProviderOllama)
	img := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(img, pngBytes, 0600))

	_, err := f.rp.handle(context.Background(), "/attach "+filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)

	f.handle(t, "/model llama3:8b")
	f.handle(t, "/attach "+img)
	assert.Len(t, f.rp.pending, 1)
	assert.Contains(t, f.errOut.String(), "does not look like a vision model")

	_, err = f.rp.handle(context.Background(), "what is this")
	require.Error(t, err)
	assert.Len(t, f.rp.pending, 1, "attachments survive a refused turn")

	f.handle(t, "/model llava:7b")
	f.handle(t, "what is this")
	assert.Empty(t, f.rp.pending)
	assert.Equal(t, int32(1), f.srv.chats.Load())

	f.handle(t, "/attach "+img)
	f.handle(t, "/detach")
	assert.Empty(t, f.rp.pending)
}

func TestREPL_ImageCommand(t *testing.T) {
	f := newREPLFixture(t, model.ProviderOllama)
	f.handle(t, "/model llama3:8b")

	f.handle(t, "/image a cat")
	assert.Contains(t, f.out.String(), "[Image]")
	assert.Equal(t, int32(1), f.srv.images.Load())

	s := f.rp.orch.Session()
	require.Len(t, s.Messages, 2)
	assert.True(t, strings.HasPrefix(s.Messages[1].Content, "![a cat](data:image/png;base64,"))
	assert.Equal(t, "[image: a cat]", printableContent(s.Messages[1].Content))
}

func TestREPL_Commands(t *testing.T) {
	f := newREPLFixture(t, model.ProviderOllama)

	assert.False(t, f.handle(t, ""))
	assert.False(t, f.handle(t, "/help"))
	assert.Contains(t, f.out.String(), "/attach <path>")

	f.out.Reset()
	f.handle(t, "/models")
	assert.Contains(t, f.out.String(), "llava:7b")

	f.out.Reset()
	f.handle(t, "/model")
	assert.Contains(t, f.out.String(), "(none)")

	_, err := f.rp.handle(context.Background(), "/bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")

	assert.True(t, f.handle(t, "/quit"))
	assert.True(t, f.handle(t, "exit"))
}

func TestREPL_FailedTurnPrintsNotice(t *testing.T) {
	dir := isolate(t)
	addProvider(t, dir, model.ProviderOllama, "http://127.0.0.1:1")
	app := openApp(t, dir)
	var out, errOut bytes.Buffer
	rp, err := newREPL(app, &out, &errOut)
	require.NoError(t, err)
	defer rp.orch.Close()

	_, err = rp.handle(context.Background(), "/model llama3:8b")
	require.NoError(t, err)
	_, err = rp.handle(context.Background(), "hello")
	require.NoError(t, err)
	assert.Contains(t, errOut.String(), "Could not connect to box")

	chats, err := app.Chats.GetChats()
	require.NoError(t, err)
	require.Len(t, chats, 1)
	for _, m := range chats[0].Messages {
		assert.NotContains(t, m.Content, "Could not connect")
	}
}

func TestCompleteSlashCommand(t *testing.T) {
	assert.Equal(t, []string{"/model ", "/models "}, completeSlashCommand("/mod"))
	assert.Nil(t, completeSlashCommand("hello"))
	assert.Nil(t, completeSlashCommand("/model x"))
}

func TestTurnErrorUnwraps(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := noticeError(base, nil, false)
	assert.ErrorIs(t, err, base)
	assert.NotEmpty(t, err.Error())
}
