package flagparse

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name        string
		args        []string
		wantCommand Command
		wantFlags   map[string]any
		wantErr     bool
	}{
		{
			name:        "No arguments prints usage",
			args:        nil,
			wantCommand: None,
		},
		{
			name:        "Unknown command",
			args:        []string{"backup"},
			wantCommand: None,
			wantErr:     true,
		},
		{
			name:        "Version",
			args:        []string{"version"},
			wantCommand: Version,
		},
		{
			name:        "Watch with only used flags",
			args:        []string{"watch", "-source", "/media/h", "-target", "/media/f", "-poll-interval", "10"},
			wantCommand: Watch,
			wantFlags:   map[string]any{"source": "/media/h", "target": "/media/f", "poll-interval": 10},
		},
		{
			name:        "Once ignores defaults that were not set",
			args:        []string{"once", "-lock-target=false"},
			wantCommand: Once,
			wantFlags:   map[string]any{"lock-target": false},
		},
		{
			name:        "Once does not know poll-interval",
			args:        []string{"once", "-poll-interval", "3"},
			wantCommand: Once,
			wantErr:     true,
		},
		{
			name:        "Init with force and config path",
			args:        []string{"init", "-config", "my.json", "-force"},
			wantCommand: Init,
			wantFlags:   map[string]any{"config": "my.json", "force": true},
		},
		{
			name:        "Stray positional arguments",
			args:        []string{"watch", "/media/h"},
			wantCommand: Watch,
			wantErr:     true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, flags, err := Parse(tc.args)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cmd != tc.wantCommand {
				t.Errorf("expected command %v, got %v", tc.wantCommand, cmd)
			}
			if tc.wantFlags != nil && !reflect.DeepEqual(flags, tc.wantFlags) {
				t.Errorf("expected flags %v, got %v", tc.wantFlags, flags)
			}
		})
	}
}

func TestCommandString(t *testing.T) {
	if Watch.String() != "watch" {
		t.Errorf("expected 'watch', got %q", Watch.String())
	}
	if got := Command(42).String(); got != "unknown_command(42)" {
		t.Errorf("unexpected string for unknown command: %q", got)
	}
	if _, err := ParseCommand("none"); err == nil {
		t.Error("expected 'none' to be rejected as a command")
	}
}
