// Package bridgeconfig loads the bridge's static permission and environment
// configuration from the same settings.json precedence chain the backend
// CLI itself uses: user, then project, then local. The allow and deny lists
// of every layer are concatenated in that order; no layer removes or
// replaces an entry from an earlier one.
package bridgeconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Permissions holds the allow/deny rule lists read from settings.json's
// "permissions" object, consumed by bridge.NewRuleSet.
type Permissions struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Settings is the subset of settings.json the bridge reads.
type Settings struct {
	Permissions Permissions `json:"permissions"`
}

func (s *Settings) mergeFrom(other Settings) {
	if len(other.Permissions.Allow) > 0 {
		s.Permissions.Allow = append(s.Permissions.Allow, other.Permissions.Allow...)
	}
	if len(other.Permissions.Deny) > 0 {
		s.Permissions.Deny = append(s.Permissions.Deny, other.Permissions.Deny...)
	}
}

// Load reads settings.json from the user home directory, the project root
// (projectDir/.claude/settings.json), and the project-local override
// (projectDir/.claude/settings.local.json), merging them in that order.
// A missing file at any layer is not an error.
func Load(projectDir string) (Settings, error) {
	var merged Settings

	home, err := os.UserHomeDir()
	if err == nil {
		if s, ok, rerr := readSettings(filepath.Join(home, ".claude", "settings.json")); rerr != nil {
			return merged, rerr
		} else if ok {
			merged.mergeFrom(s)
		}
	}

	if projectDir != "" {
		if s, ok, rerr := readSettings(filepath.Join(projectDir, ".claude", "settings.json")); rerr != nil {
			return merged, rerr
		} else if ok {
			merged.mergeFrom(s)
		}
		if s, ok, rerr := readSettings(filepath.Join(projectDir, ".claude", "settings.local.json")); rerr != nil {
			return merged, rerr
		} else if ok {
			merged.mergeFrom(s)
		}
	}

	return merged, nil
}

func readSettings(path string) (Settings, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Settings{}, false, nil
		}
		return Settings{}, false, err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, false, err
	}
	return s, true, nil
}

// EnvOverrides captures the backend-relevant environment variables the
// bridge forwards to each spawned backend client, rather than letting the
// backend inherit the bridge process's entire environment implicitly.
type EnvOverrides struct {
	BaseURL           string
	AuthToken         string
	Model             string
	SmallFastModel    string
	MaxThinkingTokens string
}

// LoadEnvOverrides reads the ANTHROPIC_* and MAX_THINKING_TOKENS variables
// from the process environment.
func LoadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		BaseURL:           os.Getenv("ANTHROPIC_BASE_URL"),
		AuthToken:         os.Getenv("ANTHROPIC_AUTH_TOKEN"),
		Model:             os.Getenv("ANTHROPIC_MODEL"),
		SmallFastModel:    os.Getenv("ANTHROPIC_SMALL_FAST_MODEL"),
		MaxThinkingTokens: os.Getenv("MAX_THINKING_TOKENS"),
	}
}

// ToEnvMap renders the overrides as the map[string]string shape the backend
// client's WithEnv option expects, omitting unset values.
func (e EnvOverrides) ToEnvMap() map[string]string {
	out := make(map[string]string)
	if e.BaseURL != "" {
		out["ANTHROPIC_BASE_URL"] = e.BaseURL
	}
	if e.AuthToken != "" {
		out["ANTHROPIC_AUTH_TOKEN"] = e.AuthToken
	}
	if e.Model != "" {
		out["ANTHROPIC_MODEL"] = e.Model
	}
	if e.SmallFastModel != "" {
		out["ANTHROPIC_SMALL_FAST_MODEL"] = e.SmallFastModel
	}
	if e.MaxThinkingTokens != "" {
		out["MAX_THINKING_TOKENS"] = e.MaxThinkingTokens
	}
	return out
}
