package bridge

import (
	"fmt"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
)

// toolMetadata holds ACP-enriched metadata derived from a backend tool name
// and its input.
type toolMetadata struct {
	Title     string
	Kind      acpsdk.ToolKind
	Content   []acpsdk.ToolCallContent
	Locations []acpsdk.ToolCallLocation
}

// builtinToolPrefix is stripped from tool names registered through the
// embedded tool-call server (see tools.go) before the converter sees them,
// so a registry tool shows up to the rule engine and the client under its
// bare name.
const builtinToolPrefix = "mcp__acp__"

// stripBuiltinPrefix removes the bridge's MCP namespace prefix from a
// backend-reported tool name, if present.
func stripBuiltinPrefix(name string) string {
	return strings.TrimPrefix(name, builtinToolPrefix)
}

// toolInfoFromToolUse maps a backend tool name and its input to ACP-enriched
// metadata: a human title, a coarse kind, and optional diff/location content.
func toolInfoFromToolUse(toolName string, input map[string]any) toolMetadata {
	switch stripBuiltinPrefix(toolName) {
	case "Bash":
		return bashToolInfo(input)
	case "BashOutput":
		return bashOutputToolInfo(input)
	case "KillShell":
		return killShellToolInfo(input)
	case "Read":
		return readToolInfo(input)
	case "Edit":
		return editToolInfo(input)
	case "Write":
		return writeToolInfo(input)
	case "Glob":
		return globToolInfo(input)
	case "Grep":
		return grepToolInfo(input)
	case "WebFetch":
		return webFetchToolInfo(input)
	case "WebSearch":
		return webSearchToolInfo(input)
	case "Task":
		return taskToolInfo(input)
	case "TodoWrite":
		return todoWriteToolInfo(input)
	case "ExitPlanMode":
		return exitPlanModeToolInfo(input)
	default:
		return toolMetadata{
			Title: toolName,
			Kind:  acpsdk.ToolKindOther,
		}
	}
}

func bashToolInfo(input map[string]any) toolMetadata {
	cmd, _ := input["command"].(string)
	title := "Bash"
	if cmd != "" {
		if desc, ok := input["description"].(string); ok && desc != "" {
			title = desc
		} else {
			title = fmt.Sprintf("`%s`", truncate(cmd, 60))
		}
	}

	tm := toolMetadata{
		Title: title,
		Kind:  acpsdk.ToolKindExecute,
	}
	if desc, _ := input["description"].(string); desc != "" {
		tm.Content = []acpsdk.ToolCallContent{
			acpsdk.ToolContent(acpsdk.ContentBlock{
				Text: &acpsdk.ContentBlockText{Text: desc, Type: "text"},
			}),
		}
	}
	return tm
}

func bashOutputToolInfo(input map[string]any) toolMetadata {
	id, _ := input["bash_id"].(string)
	title := "Bash output"
	if id != "" {
		title = fmt.Sprintf("Bash output (%s)", id)
	}
	return toolMetadata{Title: title, Kind: acpsdk.ToolKindExecute}
}

func killShellToolInfo(input map[string]any) toolMetadata {
	id, _ := input["shell_id"].(string)
	title := "Kill shell"
	if id != "" {
		title = fmt.Sprintf("Kill shell (%s)", id)
	}
	return toolMetadata{Title: title, Kind: acpsdk.ToolKindExecute}
}

func readToolInfo(input map[string]any) toolMetadata {
	path, _ := input["file_path"].(string)
	title := "Read"
	if path != "" {
		title = fmt.Sprintf("Read %s", path)
		if offset, ok := input["offset"].(float64); ok {
			limit, _ := input["limit"].(float64)
			if limit > 0 {
				title = fmt.Sprintf("Read %s (%d-%d)", path, int(offset), int(offset+limit))
			}
		}
	}

	tm := toolMetadata{Title: title, Kind: acpsdk.ToolKindRead}
	if path != "" {
		loc := acpsdk.ToolCallLocation{Path: path}
		if offset, ok := input["offset"].(float64); ok {
			line := int(offset)
			loc.Line = &line
		}
		tm.Locations = []acpsdk.ToolCallLocation{loc}
	}
	return tm
}

func editToolInfo(input map[string]any) toolMetadata {
	path, _ := input["file_path"].(string)
	title := "Edit"
	if path != "" {
		title = fmt.Sprintf("Edit `%s`", path)
	}

	tm := toolMetadata{Title: title, Kind: acpsdk.ToolKindEdit}
	oldStr, _ := input["old_string"].(string)
	newStr, _ := input["new_string"].(string)
	if path != "" {
		tm.Content = []acpsdk.ToolCallContent{acpsdk.ToolDiffContent(path, newStr, oldStr)}
		tm.Locations = []acpsdk.ToolCallLocation{{Path: path}}
	}
	return tm
}

func writeToolInfo(input map[string]any) toolMetadata {
	path, _ := input["file_path"].(string)
	title := "Write"
	if path != "" {
		title = fmt.Sprintf("Write %s", path)
	}

	tm := toolMetadata{Title: title, Kind: acpsdk.ToolKindEdit}
	content, _ := input["content"].(string)
	if path != "" && content != "" {
		tm.Content = []acpsdk.ToolCallContent{acpsdk.ToolDiffContent(path, content)}
	}
	if path != "" {
		tm.Locations = []acpsdk.ToolCallLocation{{Path: path}}
	}
	return tm
}

func globToolInfo(input map[string]any) toolMetadata {
	pattern, _ := input["pattern"].(string)
	path, _ := input["path"].(string)
	title := "Find"
	switch {
	case path != "" && pattern != "":
		title = fmt.Sprintf("Find `%s` `%s`", path, pattern)
	case pattern != "":
		title = fmt.Sprintf("Find `%s`", pattern)
	}

	tm := toolMetadata{Title: title, Kind: acpsdk.ToolKindSearch}
	if path != "" {
		tm.Locations = []acpsdk.ToolCallLocation{{Path: path}}
	}
	return tm
}

func grepToolInfo(input map[string]any) toolMetadata {
	pattern, _ := input["pattern"].(string)
	path, _ := input["path"].(string)
	title := "grep"
	switch {
	case pattern != "" && path != "":
		title = fmt.Sprintf("grep %q %s", pattern, path)
	case pattern != "":
		title = fmt.Sprintf("grep %q", pattern)
	}

	tm := toolMetadata{Title: title, Kind: acpsdk.ToolKindSearch}
	if path != "" {
		tm.Locations = []acpsdk.ToolCallLocation{{Path: path}}
	}
	return tm
}

func webFetchToolInfo(input map[string]any) toolMetadata {
	url, _ := input["url"].(string)
	title := "Fetch"
	if url != "" {
		title = fmt.Sprintf("Fetch %s", truncate(url, 60))
	}
	return toolMetadata{Title: title, Kind: acpsdk.ToolKindFetch}
}

func webSearchToolInfo(input map[string]any) toolMetadata {
	query, _ := input["query"].(string)
	title := "Search"
	if query != "" {
		title = fmt.Sprintf("%q", query)
	}
	return toolMetadata{Title: title, Kind: acpsdk.ToolKindFetch}
}

func taskToolInfo(input map[string]any) toolMetadata {
	desc, _ := input["description"].(string)
	title := "Task"
	if desc != "" {
		title = desc
	}
	return toolMetadata{Title: title, Kind: acpsdk.ToolKindThink}
}

func todoWriteToolInfo(input map[string]any) toolMetadata {
	title := "Update TODOs"
	if todos, ok := input["todos"].([]any); ok && len(todos) > 0 {
		var subjects []string
		for _, t := range todos {
			if m, ok := t.(map[string]any); ok {
				if s, ok := m["subject"].(string); ok {
					subjects = append(subjects, s)
				}
			}
		}
		if len(subjects) > 0 {
			title = fmt.Sprintf("Update TODOs: %s", truncate(strings.Join(subjects, ", "), 60))
		}
	}
	return toolMetadata{Title: title, Kind: acpsdk.ToolKindThink}
}

func exitPlanModeToolInfo(input map[string]any) toolMetadata {
	tm := toolMetadata{Title: "Ready to code?", Kind: acpsdk.ToolKindSwitchMode}
	if plan, ok := input["plan"].(string); ok && plan != "" {
		tm.Content = []acpsdk.ToolCallContent{
			acpsdk.ToolContent(acpsdk.ContentBlock{
				Text: &acpsdk.ContentBlockText{Text: plan, Type: "text"},
			}),
		}
	}
	return tm
}

// truncate shortens s to maxLen characters, appending "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
