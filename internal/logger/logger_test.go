package logger

import "testing"

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"error", ErrorLevel},
		{"bogus", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggingBeforeInitIsSafe(t *testing.T) {
	defaultLogger = nil
	Info("not initialised %d", 1)
	With("run", "x").Warn("still safe")
}

func TestWithCarriesFields(t *testing.T) {
	Init("debug", "text")
	defer func() { defaultLogger = nil }()

	l := With("run_id", "abc")
	if len(l.fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(l.fields))
	}
	l.Debug("rollout %d done", 3)
}
