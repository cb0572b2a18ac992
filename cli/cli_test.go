package cli

import (
	"testing"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{"submit", "status", "results", "dispatch", "worker", "stats", "version"}

	commands := Commands("abc123")
	if len(commands) != len(want) {
		t.Fatalf("len(commands) = %d, want %d", len(commands), len(want))
	}
	for i, name := range want {
		if commands[i].Name != name {
			t.Errorf("commands[%d] = %q, want %q", i, commands[i].Name, name)
		}
	}
}

func TestCommandsHaveActions(t *testing.T) {
	for _, command := range Commands("") {
		if command.Action == nil {
			t.Errorf("command %q has no action", command.Name)
		}
	}
}
