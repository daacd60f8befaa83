package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	log, err := New(Config{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug().Msg("hidden")
	log.Info().Str("item_id", "burger").Msg("forecast ready")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Error("debug line written at info level")
	}
	for _, want := range []string{`"item_id":"burger"`, `"service":"demandcast"`, `"message":"forecast ready"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
