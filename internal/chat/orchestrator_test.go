// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/convobuddy/internal/llm"
	"github.com/jeranaias/convobuddy/internal/model"
	"github.com/jeranaias/convobuddy/internal/storage"
)

// =============================================================================
// FAKES
// =============================================================================

// fakeBackend streams the scripted deltas, then returns err. When block is
// set it waits for cancellation after the deltas.
type fakeBackend struct {
	mu       sync.Mutex
	deltas   []string
	err      error
	block    bool
	image    llm.Image
	imageErr error
	onStart  func()

	chatCalls  int
	imageCalls int
	lastReq    llm.ChatRequest
}

func (b *fakeBackend) StreamChat(ctx context.Context, _ *model.Provider, req llm.ChatRequest, onDelta llm.DeltaFunc) error {
	b.mu.Lock()
	b.chatCalls++
	b.lastReq = req
	deltas, err, block, onStart := b.deltas, b.err, b.block, b.onStart
	b.mu.Unlock()

	if onStart != nil {
		onStart()
	}
	for _, d := range deltas {
		if ctx.Err() != nil {
			return llm.ErrAborted
		}
		onDelta(d)
	}
	if block {
		<-ctx.Done()
		return llm.ErrAborted
	}
	return err
}

func (b *fakeBackend) GenerateImage(_ context.Context, _ *model.Provider, _ llm.ImageRequest) (llm.Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.imageCalls++
	return b.image, b.imageErr
}

type staticProvider struct {
	p   *model.Provider
	err error
}

func (s staticProvider) GetActiveProvider() (*model.Provider, error) {
	return s.p, s.err
}

// externalKV lets a test publish changes as if another process wrote them.
type externalKV struct {
	*storage.Memory

	mu   sync.Mutex
	subs []func(storage.Change)
}

func (k *externalKV) Subscribe(fn func(storage.Change)) func() {
	k.mu.Lock()
	k.subs = append(k.subs, fn)
	k.mu.Unlock()
	return k.Memory.Subscribe(fn)
}

func (k *externalKV) fireExternal() {
	k.mu.Lock()
	subs := append([]func(storage.Change){}, k.subs...)
	k.mu.Unlock()
	for _, fn := range subs {
		fn(storage.Change{External: true})
	}
}

var ollamaProvider = &model.Provider{ID: "p1", Name: "Local", URL: "http://localhost:11434", Type: model.ProviderOllama}

type fixture struct {
	kv      *externalKV
	chats   *storage.ChatStore
	backend *fakeBackend
	orch    *Orchestrator
}

func newFixture(t *testing.T, p *model.Provider, mutate func(*Config)) *fixture {
	t.Helper()
	kv := &externalKV{Memory: storage.NewMemory()}
	f := &fixture{
		kv:      kv,
		chats:   storage.NewChatStore(kv),
		backend: &fakeBackend{},
	}
	cfg := Config{
		Chats:     f.chats,
		Providers: staticProvider{p: p},
		Backend:   f.backend,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.orch = New(cfg)
	t.Cleanup(f.orch.Close)
	require.NoError(t, f.orch.SelectModel("llama3"))
	return f
}

func (f *fixture) stored(t *testing.T) *model.ChatSession {
	t.Helper()
	id := f.orch.Session().ID
	require.NotEmpty(t, id)
	s, err := f.chats.GetChatByID(id)
	require.NoError(t, err)
	return s
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_CreatesSessionAndStreams(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	f.backend.deltas = []string{"Hel", "lo"}

	reply, err := f.orch.Submit(context.Background(), "  say hello  ", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply.Content)
	assert.False(t, reply.Aborted)
	assert.False(t, reply.Failed)
	assert.Equal(t, StateIdle, f.orch.State())

	s := f.stored(t)
	assert.Equal(t, "say hello", s.Title)
	assert.Equal(t, "llama3", s.Model)
	assert.Equal(t, ollamaProvider.ID, s.Provider)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, model.RoleUser, s.Messages[0].Role)
	assert.Equal(t, "say hello", s.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, s.Messages[1].Role)
	assert.Equal(t, "Hello", s.Messages[1].Content)

	active, err := f.chats.GetActiveChatID()
	require.NoError(t, err)
	assert.Equal(t, s.ID, active)

	// The request carries the history without the placeholder.
	require.Len(t, f.backend.lastReq.Messages, 1)
	assert.Equal(t, "llama3", f.backend.lastReq.Model)
	require.NotNil(t, f.backend.lastReq.Options.Temperature)
	assert.InDelta(t, model.DefaultTemperature, *f.backend.lastReq.Options.Temperature, 1e-9)
	assert.Equal(t, model.DefaultContextLength, f.backend.lastReq.Options.ContextLength)
}

func TestSubmit_SavesAfterEveryDelta(t *testing.T) {
	var f *fixture
	var persisted []string
	f = newFixture(t, ollamaProvider, func(c *Config) {
		c.OnDelta = func(string) {
			s, err := f.chats.GetChatByID(f.orch.Session().ID)
			if assert.NoError(t, err) {
				persisted = append(persisted, s.LastMessage().Content)
			}
		}
	})
	f.backend.deltas = []string{"a", "b", "c"}

	_, err := f.orch.Submit(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ab", "abc"}, persisted)
}

func TestSubmit_StateTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	f := newFixture(t, ollamaProvider, func(c *Config) {
		c.OnStateChange = func(_, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		}
	})
	f.backend.deltas = []string{"x", "y"}

	_, err := f.orch.Submit(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, []State{StateAwaitingFirstToken, StateStreaming, StateIdle}, seen)
}

func TestSubmit_CancelAfterOneDeltaKeepsIt(t *testing.T) {
	var f *fixture
	f = newFixture(t, ollamaProvider, func(c *Config) {
		c.OnDelta = func(string) { f.orch.Cancel() }
	})
	f.backend.deltas = []string{"Hi"}
	f.backend.block = true

	reply, err := f.orch.Submit(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.True(t, reply.Aborted)
	assert.False(t, reply.Failed)
	assert.Equal(t, "Hi", reply.Content)
	assert.Equal(t, StateIdle, f.orch.State())

	s := f.stored(t)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "Hi", s.Messages[1].Content)
}

func TestSubmit_CancelBeforeFirstTokenDropsPlaceholder(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	f.backend.onStart = func() { f.orch.Cancel() }
	f.backend.block = true

	reply, err := f.orch.Submit(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.True(t, reply.Aborted)
	assert.Empty(t, reply.Content)

	require.Len(t, f.orch.Session().Messages, 1)
	require.Len(t, f.stored(t).Messages, 1)
}

func TestSubmit_FailureShowsNoticeWithoutPersisting(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	f.backend.err = &llm.APIError{StatusCode: 500, Status: "500 Internal Server Error", Message: "model not loaded"}

	reply, err := f.orch.Submit(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.True(t, reply.Failed)
	assert.Contains(t, reply.Content, "model not loaded")
	assert.Equal(t, StateIdle, f.orch.State())

	working := f.orch.Session()
	require.Len(t, working.Messages, 2)
	assert.Equal(t, reply.Content, working.Messages[1].Content)

	s := f.stored(t)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, model.RoleUser, s.Messages[0].Role)
}

func TestSubmit_ConnectionNoticeNamesProvider(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	f.backend.err = &llm.ConnectionError{URL: ollamaProvider.URL, Cause: errors.New("connection refused")}

	reply, err := f.orch.Submit(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.True(t, reply.Failed)
	assert.Contains(t, reply.Content, ollamaProvider.URL)
}

func TestSubmit_ImageRejectedByServerGetsRemediation(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	require.NoError(t, f.orch.SelectModel("llava:7b"))
	f.backend.err = &llm.APIError{StatusCode: 400, Message: "this model does not support image input"}

	reply, err := f.orch.Submit(context.Background(), "what is this", []string{"AAA"})
	require.NoError(t, err)
	assert.True(t, reply.Failed)
	assert.Contains(t, reply.Content, "vision model")
}

func TestSubmit_ImageWordInTextOnlyErrorKeepsServerMessage(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	f.backend.err = &llm.APIError{StatusCode: 500, Message: "failed to load model: invalid image header in gguf"}

	reply, err := f.orch.Submit(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.True(t, reply.Failed)
	assert.Equal(t, "The server returned an error: failed to load model: invalid image header in gguf", reply.Content)
	assert.NotContains(t, reply.Content, "vision model")
}

func TestSubmit_FailureNoticeNotSentAsHistory(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	f.backend.err = &llm.APIError{StatusCode: 500, Message: "boom"}

	reply, err := f.orch.Submit(context.Background(), "first", nil)
	require.NoError(t, err)
	require.True(t, reply.Failed)

	f.backend.err = nil
	f.backend.deltas = []string{"ok"}
	reply, err = f.orch.Submit(context.Background(), "second", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Content)

	sent := f.backend.lastReq.Messages
	require.Len(t, sent, 2)
	for _, m := range sent {
		assert.Equal(t, model.RoleUser, m.Role)
	}

	s := f.stored(t)
	require.Len(t, s.Messages, 3)
	assert.Equal(t, "first", s.Messages[0].Content)
	assert.Equal(t, "second", s.Messages[1].Content)
	assert.Equal(t, "ok", s.Messages[2].Content)
}

func TestSubmit_CancelDuringFirstSave(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	f.backend.deltas = []string{"never"}

	var cancelled bool
	f.chats.Subscribe(func(c storage.Change) {
		if !cancelled && c.Key == storage.KeyChats {
			cancelled = f.orch.Cancel()
		}
	})

	reply, err := f.orch.Submit(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.True(t, reply.Aborted)
	assert.Empty(t, reply.Content)
	assert.Equal(t, StateIdle, f.orch.State())

	s := f.stored(t)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, model.RoleUser, s.Messages[0].Role)
}

func TestSubmit_Validation(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		f := newFixture(t, ollamaProvider, nil)
		_, err := f.orch.Submit(context.Background(), "   ", nil)
		assert.ErrorIs(t, err, ErrEmptyInput)
	})

	t.Run("images need a vision model", func(t *testing.T) {
		f := newFixture(t, ollamaProvider, nil)
		_, err := f.orch.Submit(context.Background(), "look", []string{"AAA"})
		assert.ErrorIs(t, err, llm.ErrVisionRequired)
		assert.Zero(t, f.backend.chatCalls)
		assert.Empty(t, f.orch.Session().ID)
	})

	t.Run("no provider", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		_, err := f.orch.Submit(context.Background(), "hi", nil)
		assert.ErrorIs(t, err, llm.ErrNoProvider)
	})

	t.Run("no model", func(t *testing.T) {
		kv := storage.NewMemory()
		o := New(Config{Chats: storage.NewChatStore(kv), Providers: staticProvider{p: ollamaProvider}, Backend: &fakeBackend{}})
		defer o.Close()
		_, err := o.Submit(context.Background(), "hi", nil)
		assert.ErrorIs(t, err, ErrNoModel)
	})
}

func TestSubmit_Busy(t *testing.T) {
	started := make(chan struct{})
	var f *fixture
	f = newFixture(t, ollamaProvider, func(c *Config) {
		c.OnDelta = func(string) { close(started) }
	})
	f.backend.deltas = []string{"x"}
	f.backend.block = true

	done := make(chan Reply, 1)
	go func() {
		r, _ := f.orch.Submit(context.Background(), "first", nil)
		done <- r
	}()
	<-started

	_, err := f.orch.Submit(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, f.orch.NewChat(), ErrBusy)

	require.True(t, f.orch.Cancel())
	r := <-done
	assert.True(t, r.Aborted)
	assert.Equal(t, "x", r.Content)
}

func TestSubmit_SecondTurnSendsHistory(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	f.backend.deltas = []string{"one"}
	_, err := f.orch.Submit(context.Background(), "first", nil)
	require.NoError(t, err)

	f.backend.deltas = []string{"two"}
	_, err = f.orch.Submit(context.Background(), "second", nil)
	require.NoError(t, err)

	require.Len(t, f.backend.lastReq.Messages, 3)
	assert.Equal(t, "one", f.backend.lastReq.Messages[1].Content)
	assert.Len(t, f.stored(t).Messages, 4)
	assert.Equal(t, "first", f.stored(t).Title)
}

// =============================================================================
// IMAGE GENERATION
// =============================================================================

func TestSubmit_ImageCommand(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	f.backend.image = llm.Image{B64: "iVBORw0KGgo="}

	reply, err := f.orch.Submit(context.Background(), "/image a red fox", nil)
	require.NoError(t, err)
	require.NotNil(t, reply.Image)
	assert.Equal(t, "![a red fox](data:image/png;base64,iVBORw0KGgo=)", reply.Content)
	assert.Equal(t, 1, f.backend.imageCalls)
	assert.Zero(t, f.backend.chatCalls)

	s := f.stored(t)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "/image a red fox", s.Messages[0].Content)
	assert.True(t, strings.HasPrefix(s.Messages[1].Content, "![a red fox](data:image/png;base64,"))
}

func TestSubmit_ImageCommandFailureIsNotAVisionHint(t *testing.T) {
	generic := &model.Provider{ID: "p3", Name: "Generic", URL: "http://localhost:8000", Type: model.ProviderOpenAIGeneric}
	f := newFixture(t, generic, nil)
	f.backend.imageErr = &llm.APIError{StatusCode: 500, Message: "image generation model not loaded"}

	reply, err := f.orch.Submit(context.Background(), "/image a cat", nil)
	require.NoError(t, err)
	assert.True(t, reply.Failed)
	assert.Equal(t, "The server returned an error: image generation model not loaded", reply.Content)
}

func TestSubmit_ImageCommandUnsupportedProvider(t *testing.T) {
	lmStudio := &model.Provider{ID: "p2", Name: "Studio", URL: "http://localhost:1234", Type: model.ProviderLMStudio}
	f := newFixture(t, lmStudio, nil)

	reply, err := f.orch.Submit(context.Background(), "/image a cat", nil)
	require.NoError(t, err)
	assert.True(t, reply.Failed)
	assert.ErrorIs(t, reply.Err, llm.ErrGenerationUnsupported)
	assert.Contains(t, reply.Content, "not supported")
	assert.Zero(t, f.backend.imageCalls)

	s := f.stored(t)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, reply.Content, s.Messages[1].Content)
}

func TestSubmit_ImageCommandNeedsPrompt(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	_, err := f.orch.Submit(context.Background(), "/image", nil)
	assert.Error(t, err)
	assert.Zero(t, f.backend.imageCalls)
}

func TestParseImageCommand(t *testing.T) {
	tests := []struct {
		input  string
		prompt string
		ok     bool
	}{
		{"/image a fox", "a fox", true},
		{"/image", "", true},
		{"/images of cats", "", false},
		{"draw /image", "", false},
	}
	for _, tc := range tests {
		prompt, ok := parseImageCommand(tc.input)
		assert.Equal(t, tc.ok, ok, tc.input)
		assert.Equal(t, tc.prompt, prompt, tc.input)
	}
}

// =============================================================================
// SESSION CONTROL
// =============================================================================

func TestNewChatAndLoadChat(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	f.backend.deltas = []string{"ok"}
	require.NoError(t, f.orch.SetTemperature(1.2))
	require.NoError(t, f.orch.SetContextLength(8192))

	_, err := f.orch.Submit(context.Background(), "remember me", nil)
	require.NoError(t, err)
	id := f.orch.Session().ID

	require.NoError(t, f.orch.NewChat())
	assert.Empty(t, f.orch.Session().ID)
	active, err := f.chats.GetActiveChatID()
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, f.orch.SelectModel("mistral"))
	require.NoError(t, f.orch.SetTemperature(0.1))

	require.NoError(t, f.orch.LoadChat(id))
	assert.Equal(t, id, f.orch.Session().ID)
	assert.Equal(t, "llama3", f.orch.Model())
	temp, ctxLen := f.orch.Params()
	assert.InDelta(t, 1.2, temp, 1e-9)
	assert.Equal(t, 8192, ctxLen)

	assert.ErrorIs(t, f.orch.LoadChat("missing"), storage.ErrChatNotFound)
}

func TestSelectModelPersistsLastUsed(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	require.NoError(t, f.orch.SelectModel("qwen2-vl"))

	last, err := f.chats.GetLastUsedModel()
	require.NoError(t, err)
	assert.Equal(t, "qwen2-vl", last)

	assert.ErrorIs(t, f.orch.SelectModel("  "), ErrNoModel)
}

func TestParamLimits(t *testing.T) {
	f := newFixture(t, ollamaProvider, nil)
	assert.Error(t, f.orch.SetTemperature(2.5))
	assert.Error(t, f.orch.SetTemperature(-0.1))
	assert.NoError(t, f.orch.SetTemperature(0))
	assert.Error(t, f.orch.SetContextLength(100))
	assert.Error(t, f.orch.SetContextLength(64000))
	assert.NoError(t, f.orch.SetContextLength(MinContextLength))
}

func TestRestore(t *testing.T) {
	kv := storage.NewMemory()
	chats := storage.NewChatStore(kv)
	s := &model.ChatSession{Title: "old", Model: "phi3", Messages: []model.Message{model.NewUserMessage("hey")}}
	require.NoError(t, chats.SaveChat(s))
	require.NoError(t, chats.SetActiveChatID(s.ID))
	require.NoError(t, chats.SetLastUsedModel("gemma"))

	o := New(Config{Chats: chats, Providers: staticProvider{p: ollamaProvider}, Backend: &fakeBackend{}})
	defer o.Close()
	require.NoError(t, o.Restore())
	assert.Equal(t, s.ID, o.Session().ID)
	assert.Equal(t, "phi3", o.Model())

	t.Run("dangling active chat is cleared", func(t *testing.T) {
		require.NoError(t, chats.SetActiveChatID("gone"))
		o2 := New(Config{Chats: chats, Providers: staticProvider{}, Backend: &fakeBackend{}})
		defer o2.Close()
		require.NoError(t, o2.Restore())
		assert.Empty(t, o2.Session().ID)
		assert.Equal(t, "gemma", o2.Model())

		active, err := chats.GetActiveChatID()
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}

// =============================================================================
// EXTERNAL CHANGES
// =============================================================================

func TestExternalChangeReloadsWorkingCopy(t *testing.T) {
	var reloaded *model.ChatSession
	f := newFixture(t, ollamaProvider, func(c *Config) {
		c.OnExternalChange = func(s *model.ChatSession) { reloaded = s }
	})
	f.backend.deltas = []string{"ok"}
	_, err := f.orch.Submit(context.Background(), "hello", nil)
	require.NoError(t, err)
	id := f.orch.Session().ID

	// Another process renames the chat.
	require.NoError(t, f.chats.RenameChat(id, "renamed elsewhere"))
	assert.Nil(t, reloaded, "local writes are not reloads")
	f.kv.fireExternal()

	require.NotNil(t, reloaded)
	assert.Equal(t, "renamed elsewhere", reloaded.Title)
	assert.Equal(t, "renamed elsewhere", f.orch.Session().Title)

	// And then deletes it.
	require.NoError(t, f.chats.DeleteChat(id))
	f.kv.fireExternal()
	assert.Empty(t, f.orch.Session().ID)
}

func TestExternalChangeIgnoredWhileStreaming(t *testing.T) {
	var f *fixture
	fired := false
	f = newFixture(t, ollamaProvider, func(c *Config) {
		c.OnDelta = func(string) {
			if !fired {
				fired = true
				f.kv.fireExternal()
				f.orch.Cancel()
			}
		}
	})
	f.backend.deltas = []string{"partial"}
	f.backend.block = true

	reply, err := f.orch.Submit(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "partial", reply.Content)
	assert.Len(t, f.orch.Session().Messages, 2)
}

// =============================================================================
// NOTICES
// =============================================================================

func TestNotice(t *testing.T) {
	p := &model.Provider{Name: "Box", URL: "http://box:8080", Type: model.ProviderLMStudio}
	imageRefusal := &llm.APIError{StatusCode: 400, Message: "model does not support image input"}
	tests := []struct {
		name      string
		err       error
		hasImages bool
		want      string
	}{
		{"nil", nil, false, ""},
		{"vision", llm.ErrVisionRequired, false, "vision model"},
		{"image refusal with attachment", imageRefusal, true, "vision model"},
		{"image refusal without attachment", imageRefusal, false, "The server returned an error: model does not support image input"},
		{"generation", llm.ErrGenerationUnsupported, false, "LM Studio"},
		{"connection", &llm.ConnectionError{URL: p.URL, Cause: errors.New("refused")}, false, "http://box:8080"},
		{"api", &llm.APIError{StatusCode: 500, Message: "boom"}, true, "boom"},
		{"empty", llm.ErrEmptyResponse, false, "empty response"},
		{"other", errors.New("weird"), false, "weird"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Notice(tc.err, p, tc.hasImages)
			if tc.want == "" {
				assert.Empty(t, got)
				return
			}
			assert.Contains(t, got, tc.want)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting-first-token", StateAwaitingFirstToken.String())
	assert.True(t, StateStreaming.Busy())
	assert.False(t, StateError.Busy())
}
