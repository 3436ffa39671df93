package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{"trace", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"ERROR", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLevelFromEnv(t *testing.T) {
	t.Run("unset uses fallback", func(t *testing.T) {
		t.Setenv(EnvVar, "")
		if got := LevelFromEnv(LevelWarn); got != LevelWarn {
			t.Errorf("LevelFromEnv() = %v, want warn", got)
		}
	})

	t.Run("set overrides fallback", func(t *testing.T) {
		t.Setenv(EnvVar, "debug")
		if got := LevelFromEnv(LevelWarn); got != LevelDebug {
			t.Errorf("LevelFromEnv() = %v, want debug", got)
		}
	})
}

func TestSetup(t *testing.T) {
	old := slog.Default()
	defer slog.SetDefault(old)

	t.Run("text format", func(t *testing.T) {
		var buf bytes.Buffer
		Setup(LevelInfo, "pretty", &buf)

		Info("hello", "key", "value")
		out := buf.String()
		if !strings.Contains(out, "hello") || !strings.Contains(out, "key=value") {
			t.Errorf("unexpected text output: %q", out)
		}
	})

	t.Run("json format", func(t *testing.T) {
		var buf bytes.Buffer
		Setup(LevelInfo, "json", &buf)

		Info("hello", "key", "value")

		var record map[string]any
		if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
			t.Fatalf("output is not JSON: %v", err)
		}
		if record["msg"] != "hello" || record["key"] != "value" {
			t.Errorf("unexpected record: %v", record)
		}
	})

	t.Run("level filters records", func(t *testing.T) {
		var buf bytes.Buffer
		Setup(LevelWarn, "pretty", &buf)

		Debug("quiet")
		Info("also quiet")
		if buf.Len() != 0 {
			t.Errorf("below-level records were written: %q", buf.String())
		}

		Warn("loud")
		if !strings.Contains(buf.String(), "loud") {
			t.Error("warn record missing")
		}
	})
}
