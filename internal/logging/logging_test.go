package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(Config{Level: "debug", Format: "json"}, &buf)
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}
	logger.WithField("component", "push").Debug("leg started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json output, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "push" || entry["msg"] != "leg started" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	logger := NewWithOutput(Config{Level: "chatty"}, &bytes.Buffer{})
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", logger.GetLevel())
	}
}
