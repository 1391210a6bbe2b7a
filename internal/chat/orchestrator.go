// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/convobuddy/internal/llm"
	"github.com/jeranaias/convobuddy/internal/logging"
	"github.com/jeranaias/convobuddy/internal/model"
	"github.com/jeranaias/convobuddy/internal/storage"
)

// ImageCommand prefixes input that asks for image generation.
const ImageCommand = "/image"

// Generation parameter limits.
const (
	MinTemperature   = 0.0
	MaxTemperature   = 2.0
	MinContextLength = 512
	MaxContextLength = 32768
)

var (
	// ErrBusy is returned when a generation is already in flight.
	ErrBusy = errors.New("a response is still being generated")

	// ErrEmptyInput is returned for a submit with no text and no images.
	ErrEmptyInput = errors.New("nothing to send")

	// ErrNoModel is returned when no model is selected.
	ErrNoModel = errors.New("no model selected")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Backend is the protocol adapter as seen by the orchestrator.
type Backend interface {
	StreamChat(ctx context.Context, p *model.Provider, req llm.ChatRequest, onDelta llm.DeltaFunc) error
	GenerateImage(ctx context.Context, p *model.Provider, req llm.ImageRequest) (llm.Image, error)
}

// ProviderSource resolves the active provider.
type ProviderSource interface {
	GetActiveProvider() (*model.Provider, error)
}

// Config wires an Orchestrator.
type Config struct {
	Chats     *storage.ChatStore
	Providers ProviderSource
	Backend   Backend
	Log       logrus.FieldLogger

	// Defaults for new chats.
	Temperature   float64
	ContextLength int

	// OnDelta is called after each delta has been applied and saved.
	OnDelta func(delta string)

	// OnStateChange is called on every state transition. It runs with the
	// orchestrator locked and must not call back into it.
	OnStateChange func(from, to State)

	// OnExternalChange is called after the working copy was reloaded
	// because another process changed the store.
	OnExternalChange func(session *model.ChatSession)
}

// Reply is the outcome of one submitted turn.
type Reply struct {
	// Content is the final assistant text, or the error notice when Failed.
	Content string

	// Aborted is set when the user cancelled; Content holds the partial text.
	Aborted bool

	// Failed is set when the turn ended in an error notice.
	Failed bool

	// Err is the underlying failure when Failed.
	Err error

	// Image is set for a successful image generation.
	Image *llm.Image
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator owns the working copy of the active chat session.
//
// Submit blocks until the turn ends; Cancel may be called from any
// goroutine to abort it. The working copy is only persisted through the
// chat store, and a session gets its id when its first message is sent.
type Orchestrator struct {
	chats     *storage.ChatStore
	providers ProviderSource
	backend   Backend
	log       logrus.FieldLogger

	onDelta    func(string)
	onState    func(from, to State)
	onExternal func(*model.ChatSession)

	cancelMgr   *cancelManager
	unsubscribe func()

	mu            sync.Mutex
	state         State
	session       *model.ChatSession
	modelName     string
	// noticeShown marks the last working-copy message as a failure notice.
	// It is never persisted or sent as history.
	noticeShown   bool
	temperature   float64
	contextLength int
}

// New creates an Orchestrator and subscribes it to store changes.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		chats:         cfg.Chats,
		providers:     cfg.Providers,
		backend:       cfg.Backend,
		log:           logging.OrDiscard(cfg.Log),
		onDelta:       cfg.OnDelta,
		onState:       cfg.OnStateChange,
		onExternal:    cfg.OnExternalChange,
		cancelMgr:     newCancelManager(),
		session:       &model.ChatSession{},
		temperature:   cfg.Temperature,
		contextLength: cfg.ContextLength,
	}
	if o.temperature < MinTemperature || o.temperature > MaxTemperature {
		o.temperature = model.DefaultTemperature
	}
	if o.contextLength == 0 {
		o.contextLength = model.DefaultContextLength
	}
	o.unsubscribe = o.chats.Subscribe(o.handleChange)
	return o
}

// Close stops listening for store changes and aborts any generation.
func (o *Orchestrator) Close() {
	o.cancelMgr.cancel()
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}

// Restore loads the persisted active chat and last-used model. A dangling
// active chat id is cleared.
func (o *Orchestrator) Restore() error {
	last, err := o.chats.GetLastUsedModel()
	if err != nil {
		return err
	}
	activeID, err := o.chats.GetActiveChatID()
	if err != nil {
		return err
	}

	o.mu.Lock()
	if last != "" {
		o.modelName = last
	}
	o.mu.Unlock()

	if activeID == "" {
		return nil
	}
	if err := o.LoadChat(activeID); err != nil {
		if errors.Is(err, storage.ErrChatNotFound) {
			o.log.WithField("chat_id", activeID).Warn("ACTIVE_CHAT_MISSING")
			return o.chats.SetActiveChatID("")
		}
		return err
	}
	return nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Session returns a copy of the working session.
func (o *Orchestrator) Session() *model.ChatSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.Clone()
}

// Model returns the selected model name.
func (o *Orchestrator) Model() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.modelName
}

// Params returns the temperature and context length for the next turn.
func (o *Orchestrator) Params() (float64, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.temperature, o.contextLength
}

// =============================================================================
// SESSION CONTROL
// =============================================================================

// NewChat resets to an empty, unsaved chat and clears the active pointer.
func (o *Orchestrator) NewChat() error {
	o.mu.Lock()
	if o.state.Busy() {
		o.mu.Unlock()
		return ErrBusy
	}
	o.session = &model.ChatSession{}
	o.noticeShown = false
	o.mu.Unlock()
	return o.chats.SetActiveChatID("")
}

// LoadChat makes the stored session id active and restores its model and
// generation parameters.
func (o *Orchestrator) LoadChat(id string) error {
	if o.State().Busy() {
		return ErrBusy
	}
	session, err := o.chats.GetChatByID(id)
	if err != nil {
		return err
	}
	if err := o.chats.SetActiveChatID(session.ID); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = session
	o.noticeShown = false
	if session.Model != "" {
		o.modelName = session.Model
	}
	if session.Temperature >= MinTemperature && session.Temperature <= MaxTemperature {
		o.temperature = session.Temperature
	}
	if session.ContextLength > 0 {
		o.contextLength = session.ContextLength
	}
	o.log.WithFields(logrus.Fields{"chat_id": id, "messages": len(session.Messages)}).Debug("CHAT_LOADED")
	return nil
}

// SelectModel sets the model for subsequent turns and records it as the
// last-used model.
func (o *Orchestrator) SelectModel(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNoModel
	}
	o.mu.Lock()
	o.modelName = name
	if o.session.ID != "" && !o.state.Busy() {
		o.session.Model = name
	}
	o.mu.Unlock()
	return o.chats.SetLastUsedModel(name)
}

// SetTemperature sets the temperature for subsequent turns.
func (o *Orchestrator) SetTemperature(t float64) error {
	if t < MinTemperature || t > MaxTemperature {
		return fmt.Errorf("temperature %.2f out of range [%.1f, %.1f]", t, MinTemperature, MaxTemperature)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.temperature = t
	return nil
}

// SetContextLength sets the context window for subsequent turns.
func (o *Orchestrator) SetContextLength(n int) error {
	if n < MinContextLength || n > MaxContextLength {
		return fmt.Errorf("context length %d out of range [%d, %d]", n, MinContextLength, MaxContextLength)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.contextLength = n
	return nil
}

// Cancel aborts the in-flight generation. Partial content is kept. It
// reports whether anything was running.
func (o *Orchestrator) Cancel() bool {
	return o.cancelMgr.cancel()
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit sends one user turn and blocks until the reply is complete,
// cancelled or failed. Failures of the turn itself are returned as a Reply
// with Failed set; the error return is reserved for problems detected
// before dispatch (busy, empty input, no model, no provider, capability
// mismatch) and for storage failures.
func (o *Orchestrator) Submit(ctx context.Context, input string, images []string) (Reply, error) {
	input = strings.TrimSpace(input)
	if input == "" && len(images) == 0 {
		return Reply{}, ErrEmptyInput
	}

	if prompt, ok := parseImageCommand(input); ok {
		return o.generateImage(ctx, input, prompt)
	}

	o.mu.Lock()
	if o.state.Busy() {
		o.mu.Unlock()
		return Reply{}, ErrBusy
	}
	modelName := o.modelName
	o.mu.Unlock()

	if modelName == "" {
		return Reply{}, ErrNoModel
	}
	if len(images) > 0 && !model.IsVisionModel(modelName) {
		return Reply{}, fmt.Errorf("%w: %s", llm.ErrVisionRequired, modelName)
	}
	p, err := o.activeProvider()
	if err != nil {
		return Reply{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := o.beginTurn(p, modelName, model.NewUserMessage(input, images...), cancel)
	if err != nil {
		return Reply{}, err
	}
	start := time.Now()

	streamErr := o.backend.StreamChat(ctx, p, req, o.applyDelta)
	userCancelled := o.cancelMgr.clear()

	log := o.log.WithFields(logrus.Fields{
		"provider_id": p.ID,
		"model":       modelName,
		"elapsed":     time.Since(start).Round(time.Millisecond),
	})

	switch {
	case streamErr == nil:
		content, err := o.finishTurn(false)
		log.WithField("chars", len(content)).Info("TURN_COMPLETE")
		return Reply{Content: content}, err

	case llm.IsAborted(streamErr) || userCancelled:
		content, err := o.finishTurn(true)
		log.WithField("chars", len(content)).Info("TURN_CANCELLED")
		return Reply{Content: content, Aborted: true}, err

	default:
		notice := Notice(streamErr, p, req.HasImages())
		o.failTurn(notice)
		log.WithError(streamErr).Warn("TURN_FAILED")
		return Reply{Content: notice, Failed: true, Err: streamErr}, nil
	}
}

// beginTurn appends the user message, creates the session on first use,
// persists it and appends the assistant placeholder. It returns the request
// for the history up to and including the user message.
//
// cancel is registered before the first write, so a Cancel issued at any
// point after the turn starts aborts it. It is released again on error.
func (o *Orchestrator) beginTurn(p *model.Provider, modelName string, user model.Message, cancel context.CancelFunc) (req llm.ChatRequest, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Busy() {
		return llm.ChatRequest{}, ErrBusy
	}
	o.cancelMgr.set(cancel)
	defer func() {
		if err != nil {
			o.cancelMgr.clear()
		}
	}()

	s := o.session
	if o.noticeShown {
		if last := s.LastMessage(); last != nil && last.Role == model.RoleAssistant {
			s.Messages = s.Messages[:len(s.Messages)-1]
		}
		o.noticeShown = false
	}
	isNew := s.ID == ""
	if isNew {
		s.ID = storage.NewChatID()
		s.Title = model.TitleFromInput(user.Content, user.HasImages())
		s.Provider = p.ID
	}
	s.Model = modelName
	s.Temperature = o.temperature
	s.ContextLength = o.contextLength
	s.Messages = append(s.Messages, user)

	if err := o.chats.SaveChat(s); err != nil {
		s.Messages = s.Messages[:len(s.Messages)-1]
		if isNew {
			s.ID = ""
		}
		return llm.ChatRequest{}, err
	}
	if isNew {
		if err := o.chats.SetActiveChatID(s.ID); err != nil {
			return llm.ChatRequest{}, err
		}
		o.log.WithFields(logrus.Fields{"chat_id": s.ID, "title": s.Title}).Info("CHAT_CREATED")
	}

	history := make([]model.Message, len(s.Messages))
	for i, m := range s.Messages {
		history[i] = m.Clone()
	}
	s.Messages = append(s.Messages, model.NewAssistantMessage(""))
	o.setStateLocked(StateAwaitingFirstToken)

	return llm.ChatRequest{
		Model:    modelName,
		Messages: history,
		Options: llm.Options{
			Temperature:   llm.Temp(o.temperature),
			ContextLength: o.contextLength,
		},
	}, nil
}

// applyDelta appends delta to the placeholder and persists the session.
func (o *Orchestrator) applyDelta(delta string) {
	if delta == "" {
		return
	}
	o.mu.Lock()
	if o.state == StateAwaitingFirstToken {
		o.setStateLocked(StateStreaming)
	}
	o.session.AppendToLast(delta)
	o.saveLocked()
	o.mu.Unlock()

	if o.onDelta != nil {
		o.onDelta(delta)
	}
}

// finishTurn persists the accumulated state and returns the final content.
// A cancelled turn that produced nothing drops the empty placeholder.
func (o *Orchestrator) finishTurn(aborted bool) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	content := ""
	if last := o.session.LastMessage(); last != nil && last.Role == model.RoleAssistant {
		content = last.Content
		if aborted && content == "" {
			o.session.Messages = o.session.Messages[:len(o.session.Messages)-1]
		}
	}
	err := o.chats.SaveChat(o.session)
	o.setStateLocked(StateIdle)
	return content, err
}

// failTurn shows notice in place of the placeholder. The store keeps its
// last persisted state.
func (o *Orchestrator) failTurn(notice string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if last := o.session.LastMessage(); last != nil && last.Role == model.RoleAssistant && last.Content == "" {
		last.Content = notice
	} else {
		o.session.Messages = append(o.session.Messages, model.NewAssistantMessage(notice))
	}
	o.noticeShown = true
	o.setStateLocked(StateError)
	o.setStateLocked(StateIdle)
}

// saveLocked persists the working copy. Write failures mid-stream are
// logged; the stream carries on.
func (o *Orchestrator) saveLocked() {
	if err := o.chats.SaveChat(o.session); err != nil {
		o.log.WithError(err).WithField("chat_id", o.session.ID).Warn("STORE_WRITE_FAILED")
	}
}

func (o *Orchestrator) setStateLocked(to State) {
	from := o.state
	if from == to {
		return
	}
	o.state = to
	o.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("STATE_CHANGED")
	if o.onState != nil {
		o.onState(from, to)
	}
}

func (o *Orchestrator) activeProvider() (*model.Provider, error) {
	p, err := o.providers.GetActiveProvider()
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, llm.ErrNoProvider
	}
	return p, nil
}

// =============================================================================
// IMAGE GENERATION
// =============================================================================

func parseImageCommand(input string) (string, bool) {
	if input != ImageCommand && !strings.HasPrefix(input, ImageCommand+" ") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(input, ImageCommand)), true
}

// generateImage runs the /image path: one request, one assistant message
// embedding the image as a data URI.
func (o *Orchestrator) generateImage(ctx context.Context, input, prompt string) (Reply, error) {
	if prompt == "" {
		return Reply{}, fmt.Errorf("usage: %s <prompt>", ImageCommand)
	}
	if o.State().Busy() {
		return Reply{}, ErrBusy
	}
	p, err := o.activeProvider()
	if err != nil {
		return Reply{}, err
	}
	modelName := o.Model()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, err := o.beginTurn(p, modelName, model.NewUserMessage(input), cancel); err != nil {
		return Reply{}, err
	}

	if !model.IsGenerationSupported(p.Type) {
		o.cancelMgr.clear()
		o.replacePlaceholder(Notice(llm.ErrGenerationUnsupported, p, false))
		content, err := o.finishTurn(false)
		return Reply{Content: content, Failed: true, Err: llm.ErrGenerationUnsupported}, err
	}

	img, genErr := o.backend.GenerateImage(ctx, p, llm.ImageRequest{Prompt: prompt, Model: modelName})
	userCancelled := o.cancelMgr.clear()

	switch {
	case genErr == nil:
		o.replacePlaceholder(fmt.Sprintf("![%s](%s)", prompt, img.DataURI()))
		content, err := o.finishTurn(false)
		o.log.WithField("provider_id", p.ID).Info("IMAGE_GENERATED")
		return Reply{Content: content, Image: &img}, err
	case llm.IsAborted(genErr) || userCancelled:
		content, err := o.finishTurn(true)
		return Reply{Content: content, Aborted: true}, err
	default:
		notice := Notice(genErr, p, false)
		o.failTurn(notice)
		o.log.WithError(genErr).Warn("IMAGE_FAILED")
		return Reply{Content: notice, Failed: true, Err: genErr}, nil
	}
}

func (o *Orchestrator) replacePlaceholder(content string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if last := o.session.LastMessage(); last != nil && last.Role == model.RoleAssistant {
		last.Content = content
	}
}

// =============================================================================
// EXTERNAL CHANGES
// =============================================================================

// handleChange reloads the working copy when another process rewrote the
// store. Local writes are ignored before any lock is taken, since they are
// published from inside our own saves. During a generation the reload is
// skipped; the next save wins.
func (o *Orchestrator) handleChange(c storage.Change) {
	if !c.External {
		return
	}

	o.mu.Lock()
	if o.state.Busy() {
		o.mu.Unlock()
		o.log.Debug("STORE_EXTERNAL_CHANGE_DEFERRED")
		return
	}
	id := o.session.ID
	o.mu.Unlock()

	if id == "" {
		return
	}

	fresh, err := o.chats.GetChatByID(id)
	switch {
	case errors.Is(err, storage.ErrChatNotFound):
		fresh = &model.ChatSession{}
	case err != nil:
		o.log.WithError(err).Warn("STORE_EXTERNAL_CHANGE")
		return
	}

	o.mu.Lock()
	if o.state.Busy() || o.session.ID != id {
		o.mu.Unlock()
		return
	}
	o.session = fresh
	o.noticeShown = false
	snapshot := fresh.Clone()
	o.mu.Unlock()

	o.log.WithFields(logrus.Fields{"chat_id": id, "deleted": fresh.ID == ""}).Info("STORE_EXTERNAL_CHANGE")
	if o.onExternal != nil {
		o.onExternal(snapshot)
	}
}
