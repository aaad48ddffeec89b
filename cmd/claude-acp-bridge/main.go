// Command claude-acp-bridge speaks the Agent Client Protocol over stdin and
// stdout, translating it to and from the Claude Code backend CLI. It spawns
// one backend subprocess per editor session and otherwise holds no state
// across restarts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/spf13/cobra"

	"github.com/sebastianm/claude-acp-bridge/internal/bridge"
	"github.com/sebastianm/claude-acp-bridge/internal/bridgeconfig"

	claudecode "github.com/severity1/claude-agent-sdk-go"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		debugLog          string
		backendCommand    string
		printCapabilities bool
	)

	cmd := &cobra.Command{
		Use:   "claude-acp-bridge",
		Short: "ACP bridge for the Claude Code backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closeLog, err := newLogger(debugLog)
			if err != nil {
				return err
			}
			defer closeLog()

			if printCapabilities {
				return runPrintCapabilities(cmd.Context(), logger, backendCommand)
			}
			return runBridge(cmd.Context(), logger, backendCommand)
		},
	}

	cmd.Flags().StringVar(&debugLog, "debug-log", "", "path to write debug-level logs (default: stderr only)")
	cmd.Flags().StringVar(&backendCommand, "backend-command", "", "backend CLI command name (accepted, but not passed to the backend)")
	cmd.Flags().BoolVar(&printCapabilities, "print-capabilities", false, "connect once, print discovered models/commands, and exit")

	return cmd
}

func newLogger(debugLogPath string) (*slog.Logger, func(), error) {
	writers := []io.Writer{os.Stderr}
	closeFn := func() {}

	if debugLogPath != "" {
		f, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open debug log: %w", err)
		}
		writers = append(writers, f)
		closeFn = func() { _ = f.Close() }
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return slog.New(handler), closeFn, nil
}

// runBridge is the normal operating mode: speak ACP over stdio until the
// connection closes.
func runBridge(ctx context.Context, logger *slog.Logger, backendCommand string) error {
	settings, err := bridgeconfig.Load(".")
	if err != nil {
		logger.Warn("failed to load settings.json, starting with no static permission rules", "error", err)
	}
	rules := bridge.NewRuleSet(settings.Permissions.Allow, settings.Permissions.Deny)

	agent := bridge.NewAgent(logger)

	conn := acpsdk.NewAgentSideConnection(agent, os.Stdout, os.Stdin)
	conn.SetLogger(logger)
	agent.SetConnection(conn, newBackendFactory(backendCommand), rules)

	defer agent.Shutdown(context.Background())

	select {
	case <-ctx.Done():
	case <-conn.Done():
	}
	return nil
}

// runPrintCapabilities connects to the backend once, via a throwaway
// session, and prints the models and slash commands it discovers, mirroring
// the discovery flow the reference control plane's own diagnostic command
// performs before handing a session to an editor.
func runPrintCapabilities(ctx context.Context, logger *slog.Logger, backendCommand string) error {
	env := bridgeconfig.LoadEnvOverrides()

	opts := []claudecode.Option{
		claudecode.WithCwd("."),
		claudecode.WithEnv(env.ToEnvMap()),
	}
	_ = backendCommand

	client := claudecode.NewClient(opts...)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect backend: %w", err)
	}

	models, err := client.SupportedModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	commands, err := client.SupportedCommands(ctx)
	if err != nil {
		return fmt.Errorf("list commands: %w", err)
	}

	out := struct {
		Models   []claudecode.Model   `json:"models"`
		Commands []claudecode.Command `json:"commands"`
	}{Models: models, Commands: commands}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newBackendFactory(backendCommand string) bridge.BackendFactory {
	env := bridgeconfig.LoadEnvOverrides()

	return func(ctx context.Context, cwd string, meta bridge.SessionMeta, allowedTools []string, mcpServers map[string]claudecode.McpServerConfig, canUseTool bridge.CanUseToolFunc) (claudecode.Client, <-chan claudecode.Message, error) {
		opts := []claudecode.Option{
			claudecode.WithCwd(cwd),
			claudecode.WithAllowedTools(allowedTools...),
			claudecode.WithMcpServers(mcpServers),
			claudecode.WithEnv(env.ToEnvMap()),
			claudecode.WithSettingSources(claudecode.SettingSourceUser, claudecode.SettingSourceProject, claudecode.SettingSourceLocal),
			claudecode.WithCanUseTool(func(ctx context.Context, toolName string, input map[string]any, toolCtx claudecode.ToolPermissionContext) (claudecode.PermissionResult, error) {
				return canUseTool(ctx, toolName, input, toolCtx)
			}),
		}

		// Replace wins over append when an editor sends both; append layers on
		// top of whatever default system prompt the backend would otherwise use.
		if meta.SystemPrompt.Replace != "" {
			opts = append(opts, claudecode.WithSystemPrompt(meta.SystemPrompt.Replace))
		} else if meta.SystemPrompt.Append != "" {
			opts = append(opts, claudecode.WithAppendSystemPrompt(meta.SystemPrompt.Append))
		}
		if meta.ClaudeCode.Options.Resume != "" {
			opts = append(opts, claudecode.WithResume(meta.ClaudeCode.Options.Resume))
		}

		client := claudecode.NewClient(opts...)
		if err := client.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		msgChan := client.ReceiveMessages(ctx)
		return client, msgChan, nil
	}
}
