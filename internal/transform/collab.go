package transform

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	planModeMarker       = "# Collaboration Mode: Plan"
	requestUserInputTool = "request_user_input"
)

// isPlanMode checks the leading developer messages for the plan-mode marker
func isPlanMode(xs items) bool {
	for _, it := range xs {
		if itemType(it) != itemMessage {
			break
		}
		role := itemRole(it)
		if role != "developer" && role != "system" {
			break
		}
		if role == "developer" && strings.Contains(messageText(it), planModeMarker) {
			return true
		}
	}
	return false
}

// dropTool removes tools with the given name
func dropTool(body []byte, name string) []byte {
	tools := gjson.GetBytes(body, "tools")
	if !tools.IsArray() {
		return body
	}
	kept := make([]string, 0, len(tools.Array()))
	changed := false
	for _, t := range tools.Array() {
		n := t.Get("name").String()
		if n == "" {
			n = t.Get("function.name").String()
		}
		if n == name {
			changed = true
			continue
		}
		kept = append(kept, t.Raw)
	}
	if !changed {
		return body
	}
	body, _ = sjson.SetRawBytes(body, "tools", []byte("["+strings.Join(kept, ",")+"]"))
	return body
}
