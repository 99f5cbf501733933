package accounts

import (
	"context"
	"fmt"

	"github.com/antigravity/codex-proxy/internal/models"
	"go.uber.org/zap"
)

// 标记原因
const (
	FlagReasonInvalidGrant = "invalid-grant"
	FlagReasonManual       = "manual"
)

// FlagAccount moves an account out of the pool into the flagged list
func (m *Manager) FlagAccount(ctx context.Context, uid uint64, reason, lastError string) (models.FlaggedAccount, error) {
	m.mu.Lock()
	idx := m.indexLocked(uid)
	if idx < 0 {
		m.mu.Unlock()
		return models.FlaggedAccount{}, ErrAccountGone
	}
	removed, err := m.removeLocked(idx)
	m.mu.Unlock()
	if err != nil {
		return models.FlaggedAccount{}, err
	}

	flagged := models.FlaggedAccount{
		Account:       removed,
		FlaggedAt:     m.clock.Now().UnixMilli(),
		FlaggedReason: reason,
		LastError:     lastError,
	}
	if err := m.appendFlagged(ctx, flagged); err != nil {
		return flagged, err
	}
	m.logger.Warn("Account flagged",
		zap.Int("account", idx),
		zap.String("email", removed.Email),
		zap.String("reason", reason))
	return flagged, m.FlushPendingSave(ctx)
}

func (m *Manager) appendFlagged(ctx context.Context, acc models.FlaggedAccount) error {
	if m.store == nil {
		return nil
	}
	current, err := m.store.LoadFlagged(ctx)
	if err != nil {
		return fmt.Errorf("failed to load flagged accounts: %w", err)
	}
	if current == nil {
		current = &models.FlaggedAccountStorage{Version: models.FlaggedStorageVersion}
	}
	current.Accounts = append(current.Accounts, acc)
	return m.store.SaveFlagged(ctx, current)
}

// Flagged lists flagged accounts
func (m *Manager) Flagged(ctx context.Context) ([]models.FlaggedAccount, error) {
	if m.store == nil {
		return nil, nil
	}
	current, err := m.store.LoadFlagged(ctx)
	if err != nil || current == nil {
		return nil, err
	}
	return current.Accounts, nil
}

// RestoreFlagged moves the flagged account at index back into the pool
func (m *Manager) RestoreFlagged(ctx context.Context, index int) (models.Account, error) {
	current, err := m.store.LoadFlagged(ctx)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to load flagged accounts: %w", err)
	}
	if current == nil || index < 0 || index >= len(current.Accounts) {
		return models.Account{}, ErrIndexOutOfRange
	}
	restored := current.Accounts[index].Account.Clone()
	restored.ConsecutiveAuthFailures = 0
	restored.CoolingDownUntil = 0
	restored.CooldownReason = ""

	m.mu.Lock()
	key := restored.IdentityKey()
	exists := false
	for _, acc := range m.accounts {
		if acc.IdentityKey() == key {
			exists = true
			break
		}
	}
	if !exists {
		m.nextUID++
		restored.UID = m.nextUID
		m.accounts = append(m.accounts, &restored)
	}
	m.mu.Unlock()

	current.Accounts = append(current.Accounts[:index], current.Accounts[index+1:]...)
	if err := m.store.SaveFlagged(ctx, current); err != nil {
		return restored, err
	}
	return restored, m.Save(ctx)
}
