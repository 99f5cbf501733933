package accounts

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// schedulePersistLocked arms the debounce timer. The snapshot is taken when the timer
// fires, so bursts of mutations collapse into a single write of the latest state.
func (m *Manager) schedulePersistLocked() {
	if m.store == nil || m.saveTimer != nil {
		return
	}
	m.saveTimer = time.AfterFunc(m.opts.PersistDebounce, func() {
		if err := m.persist(context.Background()); err != nil {
			m.logger.Error("Failed to persist account pool", zap.Error(err))
		}
	})
}

func (m *Manager) persist(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	err := m.store.SaveAccounts(ctx, snap)
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
	return err
}

// FlushPendingSave writes immediately if a debounced save is pending
func (m *Manager) FlushPendingSave(ctx context.Context) error {
	m.mu.Lock()
	pending := m.saveTimer != nil
	m.mu.Unlock()
	if !pending {
		return nil
	}
	return m.persist(ctx)
}

// Save writes the pool now, pending or not
func (m *Manager) Save(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.persist(ctx)
}

// LastSaveError returns the error of the most recent write, if any
func (m *Manager) LastSaveError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveErr
}
