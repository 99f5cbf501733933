package transform

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// 输入项类型
const (
	itemMessage          = "message"
	itemFunctionCall     = "function_call"
	itemFunctionOutput   = "function_call_output"
	itemLocalShellCall   = "local_shell_call"
	itemCustomToolCall   = "custom_tool_call"
	itemCustomToolOutput = "custom_tool_call_output"
	itemReference        = "item_reference"
)

// items is the input array as raw JSON values
type items []string

func parseInput(body []byte) items {
	in := gjson.GetBytes(body, "input")
	if !in.IsArray() {
		return nil
	}
	arr := in.Array()
	out := make(items, 0, len(arr))
	for _, it := range arr {
		out = append(out, it.Raw)
	}
	return out
}

func (xs items) raw() string {
	return "[" + strings.Join(xs, ",") + "]"
}

func itemType(raw string) string {
	t := gjson.Get(raw, "type").String()
	if t == "" && gjson.Get(raw, "role").Exists() {
		return itemMessage
	}
	return t
}

func itemRole(raw string) string {
	return gjson.Get(raw, "role").String()
}

// messageText concatenates the text parts of a message item
func messageText(raw string) string {
	content := gjson.Get(raw, "content")
	if content.Type == gjson.String {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			parts = append(parts, text.String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// textMessage builds a message item with a single text part
func textMessage(role, text string) string {
	partType := "input_text"
	if role == "assistant" {
		partType = "output_text"
	}
	out := `{"type":"message","role":""}`
	out, _ = sjson.Set(out, "role", role)
	out, _ = sjson.SetRaw(out, "content", `[{"type":"","text":""}]`)
	out, _ = sjson.Set(out, "content.0.type", partType)
	out, _ = sjson.Set(out, "content.0.text", text)
	return out
}

// stripIDs removes item ids and item references; requests are stateless (store=false)
func stripIDs(xs items) items {
	out := make(items, 0, len(xs))
	for _, it := range xs {
		if itemType(it) == itemReference {
			continue
		}
		if gjson.Get(it, "id").Exists() {
			it, _ = sjson.Delete(it, "id")
		}
		out = append(out, it)
	}
	return out
}

// convertOrphanOutputs rewrites tool outputs whose call is not in the input into
// assistant text, since the upstream rejects outputs without their call.
func convertOrphanOutputs(xs items) items {
	calls := make(map[string]string)
	out := make(items, 0, len(xs))
	for _, it := range xs {
		switch itemType(it) {
		case itemFunctionCall, itemLocalShellCall, itemCustomToolCall:
			calls[gjson.Get(it, "call_id").String()] = toolName(it)
		case itemFunctionOutput, itemCustomToolOutput:
			id := gjson.Get(it, "call_id").String()
			if _, ok := calls[id]; !ok {
				name := gjson.Get(it, "name").String()
				if name == "" {
					name = "tool"
				}
				text := fmt.Sprintf("[Previous %s result; call_id=%s]: %s", name, id, outputText(it))
				out = append(out, textMessage("assistant", text))
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

func toolName(raw string) string {
	if name := gjson.Get(raw, "name").String(); name != "" {
		return name
	}
	if itemType(raw) == itemLocalShellCall {
		return "shell"
	}
	return "tool"
}

func outputText(raw string) string {
	output := gjson.Get(raw, "output")
	if output.Type == gjson.String {
		return output.String()
	}
	if output.IsArray() {
		var parts []string
		output.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() {
				parts = append(parts, text.String())
			}
			return true
		})
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return output.Raw
}

// hasToolActivity reports tool calls or outputs among the last n items
func hasToolActivity(xs items, n int) bool {
	start := len(xs) - n
	if start < 0 {
		start = 0
	}
	for _, it := range xs[start:] {
		switch itemType(it) {
		case itemFunctionCall, itemFunctionOutput, itemLocalShellCall, itemCustomToolCall, itemCustomToolOutput:
			return true
		}
	}
	return false
}

// lastUserText returns the text of the latest user message
func lastUserText(xs items) (string, bool) {
	for i := len(xs) - 1; i >= 0; i-- {
		if itemType(xs[i]) == itemMessage && itemRole(xs[i]) == "user" {
			return messageText(xs[i]), true
		}
	}
	return "", false
}
