// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"sync"
)

// =============================================================================
// CANCEL FUNCTION MANAGEMENT (THREAD-SAFE)
// =============================================================================

// cancelManager holds the cancel function of the in-flight generation.
// Cancel is called from a signal handler goroutine while Submit runs on
// another, so access is guarded.
type cancelManager struct {
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	cancelled  bool
}

func newCancelManager() *cancelManager {
	return &cancelManager{}
}

// set stores the cancel function for a new generation.
func (cm *cancelManager) set(fn context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.cancelFunc = fn
	cm.cancelled = false
}

// cancel aborts the in-flight generation. It reports whether there was one.
// Safe to call multiple times or with no cancel function set.
func (cm *cancelManager) cancel() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.cancelFunc == nil {
		return false
	}
	cm.cancelFunc()
	cm.cancelFunc = nil
	cm.cancelled = true
	return true
}

// clear releases the context when a generation ends and reports whether it
// was cancelled by the user.
func (cm *cancelManager) clear() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.cancelFunc != nil {
		cm.cancelFunc()
		cm.cancelFunc = nil
	}
	was := cm.cancelled
	cm.cancelled = false
	return was
}
