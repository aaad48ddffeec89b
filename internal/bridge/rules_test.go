package bridge

import "testing"

func TestRuleSetBareToolName(t *testing.T) {
	rs := NewRuleSet([]string{"Read"}, nil)
	if got := rs.Evaluate("Read", map[string]any{"file_path": "/tmp/x"}); got != ruleDecisionAllow {
		t.Fatalf("expected allow, got %v", got)
	}
	if got := rs.Evaluate("Write", map[string]any{"file_path": "/tmp/x"}); got != ruleDecisionNone {
		t.Fatalf("expected no match, got %v", got)
	}
}

func TestRuleSetLiteralArgument(t *testing.T) {
	rs := NewRuleSet([]string{"Bash(git status)"}, nil)
	if got := rs.Evaluate("Bash", map[string]any{"command": "git status"}); got != ruleDecisionAllow {
		t.Fatalf("expected allow, got %v", got)
	}
	if got := rs.Evaluate("Bash", map[string]any{"command": "git log"}); got != ruleDecisionNone {
		t.Fatalf("expected no match, got %v", got)
	}
}

func TestRuleSetPrefixGlob(t *testing.T) {
	rs := NewRuleSet([]string{"Bash(git *)"}, nil)
	if got := rs.Evaluate("Bash", map[string]any{"command": "git status"}); got != ruleDecisionAllow {
		t.Fatalf("expected allow, got %v", got)
	}
}

func TestRuleSetGlobRejectsMetacharacters(t *testing.T) {
	// A command smuggling a second statement via a shell metacharacter must
	// not be authorized just because its prefix matches.
	rs := NewRuleSet([]string{"Bash(git *)"}, nil)
	if got := rs.Evaluate("Bash", map[string]any{"command": "git status; rm -rf /"}); got != ruleDecisionNone {
		t.Fatalf("expected no match for command containing a metacharacter, got %v", got)
	}
}

func TestRuleSetDenyPrecedence(t *testing.T) {
	rs := NewRuleSet([]string{"Bash(git *)"}, []string{"Bash(git push*)"})
	if got := rs.Evaluate("Bash", map[string]any{"command": "git push origin main"}); got != ruleDecisionDeny {
		t.Fatalf("expected deny to take precedence over allow, got %v", got)
	}
	if got := rs.Evaluate("Bash", map[string]any{"command": "git status"}); got != ruleDecisionAllow {
		t.Fatalf("expected allow for non-overlapping command, got %v", got)
	}
}

func TestRuleSetMalformedEntrySkipped(t *testing.T) {
	rs := NewRuleSet([]string{"Bash(unterminated"}, nil)
	if len(rs.allow) != 0 {
		t.Fatalf("expected malformed rule to be skipped, got %d parsed rules", len(rs.allow))
	}
}
