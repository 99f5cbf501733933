package transform

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	maxManifestTools = 32
	hostPromptWindow = 200
	manifestHeading  = "## Runtime Tool Manifest"
	aliasHeading     = "## Tool Alias Compatibility"
	strategyHeading  = "## Editing Strategy"
	bridgeMarker     = "# Codex Running in a Host Harness"
	toolRemapMarker  = "# Tool Remapping"
)

// DefaultHostPromptPrefixes are the openings of host system prompts that the
// upstream prompt replaces
var DefaultHostPromptPrefixes = []string{
	"You are opencode, an interactive CLI",
	"You are OpenCode, the best coding agent",
	"You are an interactive CLI tool that helps users",
	"You are Claude Code, Anthropic's official CLI",
}

// 宿主提示词之后需要保留的环境/项目说明起始标记
var envMarkers = []string{
	"<env>",
	"Here is some useful information about the environment",
	"<project_instructions>",
	"Instructions from:",
	"# AGENTS.md",
}

const bridgePrompt = bridgeMarker + `

You are running inside a host coding harness rather than the Codex CLI. The tools
listed below are the only tools that exist in this session.

- Call tools by the exact names in the Runtime Tool Manifest. Do not invent
  wrappers and do not translate names.
- Codex-native tools that are not listed are unavailable.
- Tool results come back as normal function outputs; continue the task from them.`

const toolRemapPrompt = toolRemapMarker + `

The host exposes its own tools in place of the Codex CLI tools:

- Instead of shell, use the host's bash or shell tool.
- Instead of apply_patch, use the host's edit or write tool.
- Instead of update_plan, use the host's todo tool.
- Read files with the host's read tool before editing them.`

var hashlineNamePattern = regexp.MustCompile(`(?i)hashline|line[_-]?hash|anchor[_-]?insert`)

// toolNames lists tool names in order, deduplicated
func toolNames(body []byte) []string {
	var names []string
	seen := make(map[string]bool)
	gjson.GetBytes(body, "tools").ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		if name == "" {
			name = tool.Get("function.name").String()
		}
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		return true
	})
	return names
}

// removeHostPrompt drops leading system/developer messages that open with a known
// host prompt, keeping any environment or project instructions that follow it.
func removeHostPrompt(xs items, prefixes []string) (items, bool) {
	if len(prefixes) == 0 {
		prefixes = DefaultHostPromptPrefixes
	}
	out := make(items, 0, len(xs))
	removed := false
	for _, it := range xs {
		role := itemRole(it)
		if itemType(it) != itemMessage || (role != "system" && role != "developer") {
			out = append(out, it)
			continue
		}
		text := messageText(it)
		if !matchesHostPrompt(text, prefixes) {
			out = append(out, it)
			continue
		}
		removed = true
		if tail := environmentTail(text); tail != "" {
			out = append(out, textMessage(role, tail))
		}
	}
	return out, removed
}

func matchesHostPrompt(text string, prefixes []string) bool {
	head := strings.TrimSpace(text)
	if len(head) > hostPromptWindow {
		head = head[:hostPromptWindow]
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(head, p) {
			return true
		}
	}
	return false
}

func environmentTail(text string) string {
	cut := -1
	for _, m := range envMarkers {
		if i := strings.Index(text, m); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return ""
	}
	return strings.TrimSpace(text[cut:])
}

// scaffoldMessage builds the developer message injected ahead of the input
func scaffoldMessage(body []byte, codexMode bool) string {
	names := toolNames(body)
	if len(names) == 0 {
		return ""
	}
	if !codexMode {
		return toolRemapPrompt
	}

	var b strings.Builder
	b.WriteString(bridgePrompt)

	manifest := names
	if len(manifest) > maxManifestTools {
		manifest = manifest[:maxManifestTools]
	}
	b.WriteString("\n\n" + manifestHeading + "\n")
	for _, n := range manifest {
		b.WriteString("- `" + n + "`\n")
	}

	if alias := aliasSection(body, manifest); alias != "" {
		b.WriteString("\n" + alias)
	}
	if strategy := strategySection(body, names); strategy != "" {
		b.WriteString("\n" + strategy)
	}
	return strings.TrimRight(b.String(), "\n")
}

func aliasSection(body []byte, manifest []string) string {
	has := make(map[string]bool, len(manifest))
	for _, n := range manifest {
		has[n] = true
	}
	var lines []string
	if has["apply_patch"] && !has["patch"] && !has["edit"] {
		lines = append(lines, "- There is no `patch` or `edit` tool; file edits go through `apply_patch`.")
	}
	if has["update_plan"] && !has["todowrite"] {
		lines = append(lines, "- There is no `todowrite` tool; track plans with `update_plan`.")
	}
	if has["task"] && taskSupportsBackground(body) {
		lines = append(lines, "- `task` can run in the background; use it for long independent work and keep going.")
	}
	if len(lines) == 0 {
		return ""
	}
	return aliasHeading + "\n" + strings.Join(lines, "\n") + "\n"
}

func taskSupportsBackground(body []byte) bool {
	found := false
	gjson.GetBytes(body, "tools").ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		params := tool.Get("parameters.properties")
		if name == "" {
			name = tool.Get("function.name").String()
			params = tool.Get("function.parameters.properties")
		}
		if name == "task" && (params.Get("run_in_background").Exists() || params.Get("background").Exists()) {
			found = true
			return false
		}
		return true
	})
	return found
}

// strategySection is added when a hash-anchored line editing capability is detected
func strategySection(body []byte, names []string) string {
	tool := ""
	for _, n := range names {
		if hashlineNamePattern.MatchString(n) {
			tool = n
			break
		}
	}
	if tool == "" {
		gjson.GetBytes(body, "tools").ForEach(func(_, t gjson.Result) bool {
			if strings.Contains(t.Get("parameters").Raw, `"expected_hash"`) ||
				strings.Contains(t.Get("function.parameters").Raw, `"expected_hash"`) {
				tool = t.Get("name").String()
				if tool == "" {
					tool = t.Get("function.name").String()
				}
				return false
			}
			return true
		})
	}
	if tool == "" {
		return ""
	}
	return strategyHeading + "\n" +
		"- `" + tool + "` edits by line hash. Read the file first to get current hashes, " +
		"then pass the expected hash with every edit instead of rewriting whole files.\n"
}

// hasScaffold reports whether the input already carries an injected scaffold
func hasScaffold(xs items) bool {
	for _, it := range xs {
		if itemType(it) != itemMessage || itemRole(it) != "developer" {
			continue
		}
		text := messageText(it)
		if strings.HasPrefix(text, bridgeMarker) || strings.HasPrefix(text, toolRemapMarker) {
			return true
		}
	}
	return false
}
