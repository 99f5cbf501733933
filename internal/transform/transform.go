package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// ErrInvalidBody is returned when the request body is not a JSON object
var ErrInvalidBody = errors.New("request body must be a JSON object")

const encryptedReasoningInclude = "reasoning.encrypted_content"

// 上游不支持的字段（含宿主私有元数据）
var unsupportedFields = []string{
	"max_output_tokens",
	"max_completion_tokens",
	"metadata",
	"providerOptions",
	"provider_options",
	"previous_response_id",
	"prompt_cache_retention",
	"safety_identifier",
	"user",
}

// Options configures the transformer
type Options struct {
	// CodexMode injects the bridge prompt and tool manifest; otherwise the legacy tool remap prompt
	CodexMode                bool
	ReasoningEffort          string
	ReasoningSummary         string
	TextVerbosity            string
	FastSession              bool
	FastSessionStrategy      string
	FastSessionMaxInputItems int
	HostPromptPrefixes       []string
}

// Result is a transformed request. RequestedModel is what the caller asked for and
// Model what is sent upstream. Stream is the caller's stream flag; the upstream
// request always streams.
type Result struct {
	Body           []byte
	RequestedModel string
	Model          string
	Family         string
	Effort         string
	Stream         bool
	PromptCacheKey string
	FastSession    bool
}

// Transformer rewrites caller payloads into the Codex backend format
type Transformer struct {
	opts    Options
	prompts *PromptStore
	logger  *zap.Logger
}

// New creates a transformer
func New(opts Options, prompts *PromptStore, logger *zap.Logger) *Transformer {
	if opts.FastSessionStrategy == "" {
		opts.FastSessionStrategy = FastSessionHybrid
	}
	if opts.FastSessionMaxInputItems <= 0 {
		opts.FastSessionMaxInputItems = 30
	}
	if prompts == nil {
		prompts = NewPromptStore(nil, 0, nil, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{opts: opts, prompts: prompts, logger: logger}
}

// Transform rewrites body. A non-empty modelOverride replaces the body's model,
// which is how the fallback cascade retries with a different model.
func (t *Transformer) Transform(ctx context.Context, body []byte, modelOverride string) (*Result, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, ErrInvalidBody
	}
	out := append([]byte(nil), body...)

	requested := gjson.GetBytes(out, "model").String()
	source := requested
	if modelOverride != "" {
		source = modelOverride
	}
	model, suffix := ParseModel(source)
	res := &Result{
		RequestedModel: requested,
		Model:          model,
		Family:         models.FamilyForModel(model),
		Stream:         gjson.GetBytes(out, "stream").Bool(),
	}

	xs := parseInput(out)
	if in := gjson.GetBytes(out, "input"); in.Type == gjson.String {
		xs = items{textMessage("user", in.String())}
	}
	xs = stripIDs(xs)

	if !isPlanMode(xs) {
		out = dropTool(out, requestUserInputTool)
	}

	if t.opts.FastSession {
		trivial := isTrivialTurn(xs)
		if trivial || t.opts.FastSessionStrategy == FastSessionAlways {
			xs = keepLast(xs, t.opts.FastSessionMaxInputItems)
		}
		if trivial {
			res.FastSession = true
			xs = dropLongScaffolds(xs)
			for _, f := range []string{"tools", "tool_choice", "parallel_tool_calls"} {
				out, _ = sjson.DeleteBytes(out, f)
			}
		}
	}

	xs = convertOrphanOutputs(xs)
	xs, _ = removeHostPrompt(xs, t.opts.HostPromptPrefixes)
	if !hasScaffold(xs) {
		if msg := scaffoldMessage(out, t.opts.CodexMode); msg != "" {
			xs = append(items{textMessage("developer", msg)}, xs...)
		}
	}

	var err error
	if out, err = sjson.SetRawBytes(out, "input", []byte(xs.raw())); err != nil {
		return nil, fmt.Errorf("failed to set input: %w", err)
	}
	if out, err = cleanToolSchemas(out); err != nil {
		return nil, fmt.Errorf("failed to clean tool schemas: %w", err)
	}

	res.Effort = t.resolveEffort(out, model, suffix, res.FastSession)
	summary := NormalizeSummary(firstString(out, "reasoning.summary", "providerOptions.openai.reasoningSummary", t.opts.ReasoningSummary))
	verbosity := ClampVerbosity(model, firstString(out, "text.verbosity", "providerOptions.openai.textVerbosity", t.opts.TextVerbosity))
	res.PromptCacheKey = firstString(out, "prompt_cache_key", "providerOptions.openai.promptCacheKey", "")

	include := includeUnion(out)
	for _, f := range unsupportedFields {
		out, _ = sjson.DeleteBytes(out, f)
	}

	instructions := t.prompts.Get(ctx, res.Family)
	sets := []struct {
		path  string
		value interface{}
	}{
		{"model", model},
		{"store", false},
		{"stream", true},
		{"instructions", instructions.Text},
		{"include", include},
		{"reasoning.effort", res.Effort},
		{"reasoning.summary", summary},
		{"text.verbosity", verbosity},
	}
	for _, s := range sets {
		if out, err = sjson.SetBytes(out, s.path, s.value); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", s.path, err)
		}
	}
	if res.PromptCacheKey != "" {
		out, _ = sjson.SetBytes(out, "prompt_cache_key", res.PromptCacheKey)
	}

	res.Body = out
	t.logger.Debug("Request transformed",
		zap.String("requested_model", requested),
		zap.String("model", model),
		zap.String("family", res.Family),
		zap.String("effort", res.Effort),
		zap.Bool("fast_session", res.FastSession),
		zap.Int("input_items", len(xs)))
	return res, nil
}

// resolveEffort applies body > model suffix > providerOptions > config > model default
func (t *Transformer) resolveEffort(body []byte, model, suffix string, fast bool) string {
	if fast {
		return fastEffort(model)
	}
	effort := gjson.GetBytes(body, "reasoning.effort").String()
	if effort == "" {
		effort = suffix
	}
	if effort == "" {
		effort = gjson.GetBytes(body, "providerOptions.openai.reasoningEffort").String()
	}
	if effort == "" {
		effort = t.opts.ReasoningEffort
	}
	if effort == "" {
		return DefaultEffort(model)
	}
	return ClampEffort(model, effort)
}

func firstString(body []byte, primary, fallback, def string) string {
	if v := strings.TrimSpace(gjson.GetBytes(body, primary).String()); v != "" {
		return v
	}
	if v := strings.TrimSpace(gjson.GetBytes(body, fallback).String()); v != "" {
		return v
	}
	return def
}

// includeUnion keeps the caller's include entries and adds encrypted reasoning
func includeUnion(body []byte) []string {
	var out []string
	seen := make(map[string]bool)
	gjson.GetBytes(body, "include").ForEach(func(_, v gjson.Result) bool {
		if s := v.String(); s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
		return true
	})
	if !seen[encryptedReasoningInclude] {
		out = append(out, encryptedReasoningInclude)
	}
	return out
}
