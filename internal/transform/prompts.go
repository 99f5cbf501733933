package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/antigravity/codex-proxy/internal/clock"
	"github.com/antigravity/codex-proxy/internal/models"
	"go.uber.org/zap"
)

// Instructions is one versioned model-family prompt
type Instructions struct {
	Text    string
	Version string
}

// InstructionsProvider resolves the upstream instructions for a model family
type InstructionsProvider interface {
	Instructions(ctx context.Context, family string) (Instructions, error)
}

const builtinVersion = "builtin"

const codexInstructions = `You are Codex, a coding agent based on GPT-5. You and the user share the same workspace and collaborate to achieve the user's goals.

- Read the relevant code before changing it and keep changes focused on the request.
- Prefer small, verifiable steps. Run available checks when they exist.
- When a tool call fails, read the error and adjust instead of repeating the same call.
- Be concise in your final message: say what changed and anything left to do.`

const generalInstructions = `You are a helpful assistant based on GPT-5 working inside a developer's coding environment.

- Answer directly and accurately. Ask for clarification only when the request is ambiguous.
- Use the available tools when they help you verify facts about the workspace.
- Keep responses concise unless the user asks for detail.`

// BuiltinInstructions returns the compiled-in prompt for a family
func BuiltinInstructions(family string) Instructions {
	switch family {
	case models.FamilyCodex, models.FamilyCodexMax, models.FamilyGPT5Codex:
		return Instructions{Text: codexInstructions, Version: builtinVersion}
	default:
		return Instructions{Text: generalInstructions, Version: builtinVersion}
	}
}

// FileProvider reads <Dir>/<family>.md and falls back to the built-in prompt
type FileProvider struct {
	Dir string
}

// Instructions implements InstructionsProvider
func (p FileProvider) Instructions(_ context.Context, family string) (Instructions, error) {
	if p.Dir == "" {
		return BuiltinInstructions(family), nil
	}
	path := filepath.Join(p.Dir, family+".md")
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return BuiltinInstructions(family), nil
	}
	if err != nil {
		return Instructions{}, fmt.Errorf("failed to stat prompt %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Instructions{}, fmt.Errorf("failed to read prompt %s: %w", path, err)
	}
	return Instructions{
		Text:    string(data),
		Version: fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()),
	}, nil
}

type promptEntry struct {
	Instructions
	fetchedAt time.Time
}

// PromptStore caches instructions per family with a TTL
type PromptStore struct {
	provider InstructionsProvider
	ttl      time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]promptEntry
}

// NewPromptStore creates a prompt cache. A zero ttl refetches on every call.
func NewPromptStore(provider InstructionsProvider, ttl time.Duration, clk clock.Clock, logger *zap.Logger) *PromptStore {
	if provider == nil {
		provider = FileProvider{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromptStore{
		provider: provider,
		ttl:      ttl,
		clock:    clk,
		logger:   logger,
		entries:  make(map[string]promptEntry),
	}
}

// Get returns the instructions for family. Provider errors serve the last cached
// version, or the built-in prompt when nothing was cached.
func (s *PromptStore) Get(ctx context.Context, family string) Instructions {
	now := s.clock.Now()
	s.mu.Lock()
	cached, ok := s.entries[family]
	s.mu.Unlock()
	if ok && now.Sub(cached.fetchedAt) < s.ttl {
		return cached.Instructions
	}

	fresh, err := s.provider.Instructions(ctx, family)
	if err != nil {
		s.logger.Warn("Failed to load instructions", zap.String("family", family), zap.Error(err))
		if ok {
			return cached.Instructions
		}
		return BuiltinInstructions(family)
	}

	s.mu.Lock()
	if ok && cached.Version != fresh.Version {
		s.logger.Info("Instructions updated",
			zap.String("family", family),
			zap.String("version", fresh.Version))
	}
	s.entries[family] = promptEntry{Instructions: fresh, fetchedAt: now}
	s.mu.Unlock()
	return fresh
}

// Invalidate drops every cached prompt
func (s *PromptStore) Invalidate() {
	s.mu.Lock()
	s.entries = make(map[string]promptEntry)
	s.mu.Unlock()
}
