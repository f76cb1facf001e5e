package logging_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/danmuck/tlvrelay/internal/logging"
	"github.com/danmuck/tlvrelay/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func restoreTestLogger(t *testing.T) {
	t.Cleanup(func() {
		logging.Apply(logging.Config{Level: zerolog.DebugLevel, NoColor: true})
	})
}

func TestConsoleOmitsTimeColumnWithoutTimestamps(t *testing.T) {
	testlog.Start(t)
	restoreTestLogger(t)
	var buf bytes.Buffer
	logging.Apply(logging.Config{Level: zerolog.InfoLevel, NoColor: true, Output: &buf})
	log.Info().Str("domain", "signal").Msg("lane up")

	line := buf.String()
	if strings.Contains(line, "<nil>") {
		t.Fatalf("expected no empty time column, got %q", line)
	}
	if !strings.HasPrefix(line, "INF lane up") {
		t.Fatalf("expected level first, got %q", line)
	}
	if !strings.Contains(line, "domain=signal") {
		t.Fatalf("expected field rendered, got %q", line)
	}
}

func TestConsoleKeepsTimeColumnWithTimestamps(t *testing.T) {
	testlog.Start(t)
	restoreTestLogger(t)
	var buf bytes.Buffer
	logging.Apply(logging.Config{Level: zerolog.InfoLevel, Timestamp: true, NoColor: true, Output: &buf})
	log.Info().Msg("lane up")

	line := buf.String()
	if strings.HasPrefix(line, "INF") || !strings.Contains(line, "INF lane up") {
		t.Fatalf("expected timestamp before the level, got %q", line)
	}
}
