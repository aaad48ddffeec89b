package bridge

import (
	"strings"

	"github.com/gobwas/glob"
)

// ruleDecision is the outcome of evaluating a tool invocation against a
// RuleSet: an explicit allow, an explicit deny, or no match (defer to the
// permission coordinator's mode-driven prompt behavior).
type ruleDecision int

const (
	ruleDecisionNone ruleDecision = iota
	ruleDecisionAllow
	ruleDecisionDeny
)

// shellMetacharacters are the characters whose presence in a Bash command
// argument makes naive prefix matching unsafe, because they let a single
// invocation run more than one sub-command (`;`, `&&`, `|`, backticks,
// `$(...)`, redirections).
const shellMetacharacters = ";&|`$(){}<>\n"

// rule is a single parsed entry from permissions.allow[] / permissions.deny[].
//
// Three forms are supported, matching the component design:
//
//	ToolName               matches any invocation of that tool
//	ToolName(argument)      matches an exact argument value (Bash command, file path, ...)
//	ToolName(prefix:*)      matches any argument with the given prefix, via a glob
type rule struct {
	tool    string
	literal string
	pattern glob.Glob
	raw     string
}

// RuleSet holds the parsed allow/deny lists for a session's permission
// mode. Evaluation order is deny, then allow, then no-match — a rule that
// appears in both lists is effectively a deny, per the documented
// precedence.
type RuleSet struct {
	deny  []rule
	allow []rule
}

// NewRuleSet parses allow/deny rule strings into a RuleSet. Malformed
// entries are skipped rather than rejected outright, since a single bad
// config line should not disable permission checking entirely.
func NewRuleSet(allow, deny []string) *RuleSet {
	return &RuleSet{
		allow: parseRules(allow),
		deny:  parseRules(deny),
	}
}

func parseRules(raw []string) []rule {
	rules := make([]rule, 0, len(raw))
	for _, r := range raw {
		parsed, ok := parseRule(r)
		if ok {
			rules = append(rules, parsed)
		}
	}
	return rules
}

func parseRule(raw string) (rule, bool) {
	tool := raw
	arg := ""
	if i := strings.IndexByte(raw, '('); i >= 0 {
		if !strings.HasSuffix(raw, ")") {
			return rule{}, false
		}
		tool = raw[:i]
		arg = raw[i+1 : len(raw)-1]
	}
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return rule{}, false
	}

	r := rule{tool: tool, raw: raw}
	if arg == "" {
		return r, true
	}

	if strings.HasSuffix(arg, "*") {
		// "prefix:*" is the documented prefix form; match it as "prefix*".
		if strings.HasSuffix(arg, ":*") {
			arg = strings.TrimSuffix(arg, ":*") + "*"
		}
		g, err := glob.Compile(arg)
		if err != nil {
			return rule{}, false
		}
		r.pattern = g
		return r, true
	}

	r.literal = arg
	return r, true
}

// Evaluate checks a tool invocation against the deny list, then the allow
// list, and returns ruleDecisionNone if neither matches.
func (rs *RuleSet) Evaluate(toolName string, input map[string]any) ruleDecision {
	if rs == nil {
		return ruleDecisionNone
	}
	if matchAny(rs.deny, toolName, input) {
		return ruleDecisionDeny
	}
	if matchAny(rs.allow, toolName, input) {
		return ruleDecisionAllow
	}
	return ruleDecisionNone
}

func matchAny(rules []rule, toolName string, input map[string]any) bool {
	for _, r := range rules {
		if matchRule(r, toolName, input) {
			return true
		}
	}
	return false
}

func matchRule(r rule, toolName string, input map[string]any) bool {
	if r.tool != toolName {
		return false
	}
	// Bare "ToolName" rules match any invocation of that tool.
	if r.literal == "" && r.pattern == nil {
		return true
	}

	arg := ruleArgument(toolName, input)
	if arg == "" {
		return false
	}

	if r.literal != "" {
		return arg == r.literal
	}
	return matchGlobSubcommands(r.pattern, arg)
}

// ruleArgument extracts the argument a rule pattern is matched against for a
// given tool: the shell command for Bash, the file path for file tools.
func ruleArgument(toolName string, input map[string]any) string {
	switch toolName {
	case "Bash":
		cmd, _ := input["command"].(string)
		return cmd
	case "Read", "Write", "Edit":
		path, _ := input["file_path"].(string)
		return path
	default:
		return ""
	}
}

// matchGlobSubcommands applies a prefix glob to a shell command string.
// Per the documented default, any sub-command containing a shell
// metacharacter the matcher cannot itself decompose into independently
// evaluated pieces is treated as a rule-match miss, rather than risk a
// prefix rule like "git *" silently authorizing a smuggled second command
// (e.g. "git status; rm -rf /"). There is currently no whitelisted set of
// composite forms.
func matchGlobSubcommands(pattern glob.Glob, command string) bool {
	if strings.ContainsAny(command, shellMetacharacters) {
		return false
	}
	return pattern.Match(command)
}
