package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand(nil)

	want := map[string]bool{"serve": false, "enqueue": false, "status": false, "list": false, "cancel": false}
	for _, sub := range cmd.Commands() {
		name := strings.Fields(sub.Use)[0]
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q missing", name)
		}
	}
}

func TestEnqueueRejectsInvalidInputJSON(t *testing.T) {
	cmd := NewRootCommand(nil)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"enqueue", "send-report", "--input", "{not json"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("Execute succeeded, want invalid JSON error")
	}
	if !strings.Contains(err.Error(), "invalid --input JSON") {
		t.Errorf("error = %v, want invalid --input JSON", err)
	}
}

func TestEnqueueRequiresWorkflowArg(t *testing.T) {
	cmd := NewRootCommand(nil)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"enqueue"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("Execute succeeded, want arg count error")
	}
}
