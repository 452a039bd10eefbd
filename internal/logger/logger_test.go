package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"
	"testing"
)

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelDebug))

	log.Info("feed appended", "seq", 3)

	line := buf.String()
	pattern := `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3} \[INF\] feed appended seq=3\n$`

	if !regexp.MustCompile(pattern).MatchString(line) {
		t.Errorf("unexpected line %q", line)
	}
}

func TestHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelWarn))

	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record written below the configured level")
	}

	if !strings.Contains(out, "[WRN] shown") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo)).With("domain", "root").WithGroup("claim")

	log.Info("rx", "count", 4)

	out := buf.String()
	if !strings.Contains(out, " domain=root") || !strings.Contains(out, " claim.count=4") {
		t.Errorf("attributes missing: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestHex(t *testing.T) {
	a := Hex("fid", []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6})
	if a.Value.String() != "deadbeef01020304" {
		t.Errorf("Hex = %s", a.Value)
	}
}
