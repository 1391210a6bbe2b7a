// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the persistence substrate and chat persistence.
package storage

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/convobuddy/internal/logging"
	"github.com/jeranaias/convobuddy/internal/model"
)

// =============================================================================
// KEYS
// =============================================================================

// Persisted keys owned by the chat store.
const (
	KeyChats      = "convobuddy_chats"
	KeyActiveChat = "convobuddy_active_chat"
	KeyLastModel  = "convobuddy_last_model"
)

// =============================================================================
// CHAT STORE
// =============================================================================

// ChatStore manages persisted chat sessions and the active-chat pointer.
//
// The list is stored most-recent-first under KeyChats and is rewritten
// whole on every mutation. A corrupted list reads as empty.
type ChatStore struct {
	kv  KV
	log logrus.FieldLogger

	// now is swapped in tests.
	now func() time.Time

	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

// ChatStoreOption configures a ChatStore.
type ChatStoreOption func(*ChatStore)

// WithChatLogger sets the logger.
func WithChatLogger(l logrus.FieldLogger) ChatStoreOption {
	return func(s *ChatStore) { s.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ChatStoreOption {
	return func(s *ChatStore) { s.now = now }
}

// NewChatStore creates a chat store on top of kv.
func NewChatStore(kv KV, opts ...ChatStoreOption) *ChatStore {
	s := &ChatStore{kv: kv, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrDiscard(s.log)
	return s
}

// KV returns the underlying substrate.
func (s *ChatStore) KV() KV {
	return s.kv
}

// Subscribe registers fn for changes that may affect chat state.
func (s *ChatStore) Subscribe(fn func(Change)) func() {
	return s.kv.Subscribe(func(c Change) {
		if c.Affects(KeyChats) || c.Affects(KeyActiveChat) || c.Affects(KeyLastModel) {
			fn(c)
		}
	})
}

// =============================================================================
// LIST OPERATIONS
// =============================================================================

// GetChats returns every session, most-recent-first.
func (s *ChatStore) GetChats() ([]model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *ChatStore) loadLocked() ([]model.ChatSession, error) {
	var chats []model.ChatSession
	present, err := GetJSON(s.kv, KeyChats, &chats)
	if err != nil {
		if !present {
			return nil, err
		}
		s.log.WithError(err).Warn("CHATS_CORRUPT")
		return []model.ChatSession{}, nil
	}
	if chats == nil {
		chats = []model.ChatSession{}
	}
	return chats, nil
}

func (s *ChatStore) storeLocked(chats []model.ChatSession) error {
	return SetJSON(s.kv, KeyChats, chats)
}

// GetChatByID returns the session with id, or ErrChatNotFound.
func (s *ChatStore) GetChatByID(id string) (*model.ChatSession, error) {
	chats, err := s.GetChats()
	if err != nil {
		return nil, err
	}
	for i := range chats {
		if chats[i].ID == id {
			return &chats[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrChatNotFound, id)
}

// SaveChat upserts session by id.
//
// A new id is prepended with CreatedAt and UpdatedAt set to now. An
// existing id is replaced in place and only UpdatedAt is refreshed; it never
// moves backwards. The timestamps and a generated id (when ID is empty) are
// written back to session.
func (s *ChatStore) SaveChat(session *model.ChatSession) error {
	if session == nil {
		return fmt.Errorf("save chat: nil session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chats, err := s.loadLocked()
	if err != nil {
		return err
	}

	if session.ID == "" {
		session.ID = NewChatID()
	}
	now := s.now().UnixMilli()

	idx := -1
	for i := range chats {
		if chats[i].ID == session.ID {
			idx = i
			break
		}
	}

	if idx >= 0 {
		prev := chats[idx]
		session.CreatedAt = prev.CreatedAt
		if now < prev.UpdatedAt {
			now = prev.UpdatedAt
		}
		session.UpdatedAt = now
		chats[idx] = *session.Clone()
	} else {
		session.CreatedAt = now
		session.UpdatedAt = now
		chats = append([]model.ChatSession{*session.Clone()}, chats...)
	}

	if err := s.storeLocked(chats); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"chat_id":  session.ID,
		"messages": len(session.Messages),
		"insert":   idx < 0,
	}).Debug("CHAT_SAVED")
	return nil
}

// RenameChat sets a session's title through SaveChat.
func (s *ChatStore) RenameChat(id, title string) error {
	session, err := s.GetChatByID(id)
	if err != nil {
		return err
	}
	session.Title = strings.TrimSpace(title)
	return s.SaveChat(session)
}

// DeleteChat removes a session. Deleting the active chat clears the
// active pointer. A missing id returns ErrChatNotFound.
func (s *ChatStore) DeleteChat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chats, err := s.loadLocked()
	if err != nil {
		return err
	}

	out := chats[:0]
	found := false
	for _, c := range chats {
		if c.ID == id {
			found = true
			continue
		}
		out = append(out, c)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrChatNotFound, id)
	}
	if err := s.storeLocked(out); err != nil {
		return err
	}

	active, err := GetString(s.kv, KeyActiveChat)
	if err != nil {
		return err
	}
	if active == id {
		if err := s.kv.Remove(KeyActiveChat); err != nil {
			return err
		}
	}

	s.log.WithField("chat_id", id).Info("CHAT_DELETED")
	return nil
}

// ClearChats removes every session and the active pointer.
func (s *ChatStore) ClearChats() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storeLocked([]model.ChatSession{}); err != nil {
		return err
	}
	if err := s.kv.Remove(KeyActiveChat); err != nil {
		return err
	}
	s.log.Info("CHATS_CLEARED")
	return nil
}

// Search returns sessions whose title or any message contains query,
// case-insensitively, in list order.
func (s *ChatStore) Search(query string) ([]model.ChatSession, error) {
	chats, err := s.GetChats()
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return chats, nil
	}

	var results []model.ChatSession
	for _, c := range chats {
		if strings.Contains(strings.ToLower(c.Title), query) {
			results = append(results, c)
			continue
		}
		for _, m := range c.Messages {
			if strings.Contains(strings.ToLower(m.Content), query) {
				results = append(results, c)
				break
			}
		}
	}
	return results, nil
}

// =============================================================================
// POINTERS
// =============================================================================

// GetActiveChatID returns the active chat id, or "" for a new unsaved chat.
func (s *ChatStore) GetActiveChatID() (string, error) {
	return GetString(s.kv, KeyActiveChat)
}

// SetActiveChatID sets the active chat. An empty id clears it.
func (s *ChatStore) SetActiveChatID(id string) error {
	return SetOrRemove(s.kv, KeyActiveChat, id)
}

// GetLastUsedModel returns the last selected model name, or "".
func (s *ChatStore) GetLastUsedModel() (string, error) {
	return GetString(s.kv, KeyLastModel)
}

// SetLastUsedModel records the last selected model. Empty clears it.
func (s *ChatStore) SetLastUsedModel(name string) error {
	return SetOrRemove(s.kv, KeyLastModel, name)
}

// NewChatID returns a fresh session id.
func NewChatID() string {
	return uuid.NewString()
}
