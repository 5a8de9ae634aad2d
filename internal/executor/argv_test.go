package executor

import (
	"strings"
	"testing"

	"github.com/remyolson/clodputer/internal/task"
)

func TestSubstitutePlaceholders(t *testing.T) {
	t.Setenv("CLODPUTER_TEST_REGION", "eu-west-1")

	context := map[string]string{"NAME": "report"}
	secretsMap := map[string]string{"API_KEY": "s3cret"}

	got := SubstitutePlaceholders(
		"run {{ context.NAME }} in {{ env.CLODPUTER_TEST_REGION }} with {{ secrets.API_KEY }}",
		context, secretsMap)
	want := "run report in eu-west-1 with s3cret"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSubstitutePlaceholdersUnknownKeyBecomesEmpty(t *testing.T) {
	got := SubstitutePlaceholders("x={{ context.MISSING }}!", nil, nil)
	if got != "x=!" {
		t.Fatalf("got %q, want %q", got, "x=!")
	}
}

func TestBuildCommandArgvShape(t *testing.T) {
	body := task.TaskBody{
		Prompt:          "hello",
		AllowedTools:    []string{"read", "write"},
		DisallowedTools: []string{"bash"},
		PermissionMode:  "plan",
		MCPConfigPath:   "/tmp/mcp.json",
	}

	cmd := BuildCommand("claude", body, nil, nil, []string{"--verbose"})

	joined := strings.Join(cmd.Args, " ")
	for _, want := range []string{
		"--output-format json",
		"--permission-mode plan",
		"--allowed-tools read,write",
		"--disallowed-tools bash",
		"--mcp-config /tmp/mcp.json",
		"--verbose",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv %q missing %q", joined, want)
		}
	}
	if cmd.Stdin != "hello" {
		t.Fatalf("expected prompt on stdin, got %q", cmd.Stdin)
	}
}

func TestBuildCommandInjectsSecretsIntoEnv(t *testing.T) {
	cmd := BuildCommand("claude", task.TaskBody{Prompt: "p"}, nil,
		map[string]string{"API_KEY": "s3cret"}, nil)

	found := false
	for _, kv := range cmd.Env {
		if kv == "API_KEY=s3cret" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected API_KEY in child environment")
	}
	if len(cmd.Env) <= 1 {
		t.Fatalf("expected the process environment to be carried alongside secrets")
	}
}
