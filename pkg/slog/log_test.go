package slog_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/Hubmakerlabs/federatr/pkg/slog"
)

func TestLevelGating(t *testing.T) {
	defer slog.SetLogLevel(slog.GetLogLevel())
	var buf bytes.Buffer
	log, chk := slog.New(&buf)
	slog.SetLogLevel(slog.Info)
	log.D.Ln("hidden")
	log.T.F("hidden %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("debug output printed at info level: %q", buf.String())
	}
	log.I.Ln("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("info line missing: %q", buf.String())
	}
	buf.Reset()
	if !chk.D(errors.New("dummy")) {
		t.Fatal("check must report a non-nil error even when not printed")
	}
	if buf.Len() != 0 {
		t.Fatal("debug check printed at info level")
	}
	if chk.E(nil) {
		t.Fatal("nil error reported")
	}
	if err := log.T.Err("format %d", 5); err == nil || err.Error() != "format 5" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestLevelFromString(t *testing.T) {
	for in, want := range map[string]int{
		"trace": slog.Trace,
		"D":     slog.Debug,
		"warn":  slog.Warn,
		"off":   slog.Off,
		"1":     slog.Debug,
		"bogus": slog.Info,
	} {
		if got := slog.LevelFromString(in); got != want {
			t.Errorf("%s: got %d want %d", in, got, want)
		}
	}
}
