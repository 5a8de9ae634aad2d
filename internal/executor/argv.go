package executor

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/remyolson/clodputer/internal/task"
)

// placeholderRegex matches {{ context.KEY }}, {{ env.VAR }}, and
// {{ secrets.NAME }}.
var placeholderRegex = regexp.MustCompile(`\{\{\s*(context|env|secrets)\.([A-Za-z0-9_]+)\s*\}\}`)

// SubstitutePlaceholders replaces {{ context.KEY }}, {{ env.VAR }} and
// {{ secrets.NAME }} in prompt using values from context, the process
// environment, and secretsMap respectively. An unresolved placeholder
// is left as empty string and does not error the substitution — a
// missing key is a task-definition authoring mistake, not a runtime
// fault the executor should abort on.
func SubstitutePlaceholders(prompt string, context map[string]string, secretsMap map[string]string) string {
	return placeholderRegex.ReplaceAllStringFunc(prompt, func(match string) string {
		sub := placeholderRegex.FindStringSubmatch(match)
		if len(sub) != 3 {
			return match
		}
		namespace, key := sub[1], sub[2]
		switch namespace {
		case "context":
			return context[key]
		case "env":
			return os.Getenv(key)
		case "secrets":
			return secretsMap[key]
		default:
			return match
		}
	})
}

// Command is the resolved argv, stdin payload, and environment for
// the assistant CLI invocation.
type Command struct {
	Bin       string
	Args      []string
	Stdin     string
	Env       []string
	ExtraArgs []string
}

// BuildCommand resolves a task's argv: <claude-bin> --output-format
// json [--permission-mode <mode>] [--allowed-tools ...]
// [--disallowed-tools ...] [--mcp-config <path>] [user-extra-args...],
// with the prompt (after placeholder substitution) passed on stdin.
// --permission-mode is emitted only when the task sets a mode.
func BuildCommand(claudeBin string, body task.TaskBody, context map[string]string, secretsMap map[string]string, extraArgs []string) Command {
	prompt := SubstitutePlaceholders(body.Prompt, context, secretsMap)

	args := []string{"--output-format", "json"}
	if body.PermissionMode != "" {
		args = append(args, "--permission-mode", string(body.PermissionMode))
	}
	if len(body.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(body.AllowedTools, ","))
	}
	if len(body.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(body.DisallowedTools, ","))
	}
	if body.MCPConfigPath != "" {
		args = append(args, "--mcp-config", body.MCPConfigPath)
	}
	args = append(args, extraArgs...)

	// Secrets ride into the child's environment as well as through
	// {{ secrets.NAME }} substitution, so tools the assistant spawns
	// can read them the conventional way.
	env := os.Environ()
	for key, value := range secretsMap {
		env = append(env, key+"="+value)
	}

	return Command{Bin: claudeBin, Args: args, Stdin: prompt, Env: env, ExtraArgs: extraArgs}
}

// String renders the command for logging/debug purposes.
func (c Command) String() string {
	return fmt.Sprintf("%s %s", c.Bin, strings.Join(c.Args, " "))
}
