package app

import (
	"testing"
)

func TestParseCommand_DefaultsToServe(t *testing.T) {
	cmd := ParseCommand([]string{})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_KnownCommands(t *testing.T) {
	for _, want := range commands {
		t.Run(string(want), func(t *testing.T) {
			if got := ParseCommand([]string{string(want)}); got != want {
				t.Errorf("ParseCommand([%s]) = %q, want %q", want, got, want)
			}
		})
	}
}

func TestParseCommand_UnknownShowsHelp(t *testing.T) {
	for _, arg := range []string{"unknown", "worker", "-h", "--help", "LOGIN"} {
		if got := ParseCommand([]string{arg}); got != CommandHelp {
			t.Errorf("ParseCommand([%s]) = %q, want %q", arg, got, CommandHelp)
		}
	}
}

func TestParseCommand_IgnoresExtraArgs(t *testing.T) {
	cmd := ParseCommand([]string{"post", "-", "--flag", "value"})
	if cmd != CommandPost {
		t.Errorf("ParseCommand([post - --flag value]) = %q, want %q", cmd, CommandPost)
	}
}
