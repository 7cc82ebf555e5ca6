package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meshbridge/internal/config"
	"meshbridge/internal/domain"
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunSetup_SerialPortAndRules(t *testing.T) {
	cfg := config.Defaults()
	answers := strings.Join([]string{
		"2",      // second discovered port
		"",       // keep Ollama URL
		"llama3", // model
		"?bot",   // trigger prefix
		"y",      // DMs only
		"120",    // max reply chars
	}, "\n") + "\n"

	var out bytes.Buffer
	err := runSetup(strings.NewReader(answers), &out, cfg, []string{"/dev/ttyACM0", "/dev/ttyUSB0"})
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}

	if cfg.Transport.SerialPort != "/dev/ttyUSB0" || cfg.Transport.TCPHost != "" {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.LLM.Host != "http://localhost:11434" || cfg.LLM.Model != "llama3" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Bridge.TriggerPrefix != "?bot " {
		t.Errorf("trigger prefix = %q", cfg.Bridge.TriggerPrefix)
	}
	if !cfg.Bridge.RespondToDMsOnly || cfg.Bridge.MaxReplyChars != 120 {
		t.Errorf("bridge = %+v", cfg.Bridge)
	}
}

func TestRunSetup_TCPNodeAndNoTrigger(t *testing.T) {
	cfg := config.Defaults()
	answers := "1\nmeshnode.local\n\n\nnone\nn\n\n"

	if err := runSetup(strings.NewReader(answers), &bytes.Buffer{}, cfg, nil); err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	if cfg.Transport.TCPHost != "meshnode.local" {
		t.Errorf("tcp host = %q", cfg.Transport.TCPHost)
	}
	if cfg.Bridge.TriggerPrefix != "" {
		t.Errorf("trigger prefix should be cleared, got %q", cfg.Bridge.TriggerPrefix)
	}
	if cfg.Bridge.MaxReplyChars != 200 {
		t.Errorf("max reply chars = %d", cfg.Bridge.MaxReplyChars)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	dbPath := filepath.Join(src, "meshbridge.db")
	cfgPath := filepath.Join(src, "config.yaml")
	os.WriteFile(dbPath, []byte("db-bytes"), 0o644)
	os.WriteFile(dbPath+"-wal", []byte("wal-bytes"), 0o644)
	os.WriteFile(cfgPath, []byte("llm:\n  model: llama3\n"), 0o644)

	files := backupFiles(dbPath, cfgPath)
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %v", files)
	}
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := createTarGz(archive, files); err != nil {
		t.Fatalf("createTarGz: %v", err)
	}

	dst := t.TempDir()
	newDB := filepath.Join(dst, "data", "meshbridge.db")
	newCfg := filepath.Join(dst, "config.yaml")
	restored, err := extractTarGz(archive, newDB, newCfg)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	if len(restored) != 3 {
		t.Fatalf("expected 3 restored files, got %v", restored)
	}

	for path, want := range map[string]string{newDB: "db-bytes", newDB + "-wal": "wal-bytes", newCfg: "llm:\n  model: llama3\n"} {
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
}

func TestPrintHistory(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	records := []domain.MessageRecord{
		{Direction: domain.DirectionIn, SenderID: "!a1b2c3d4", Channel: domain.IntPtr(0), Text: "hello", Timestamp: ts},
		{Direction: domain.DirectionOut, SenderID: "!a1b2c3d4", Text: "hi there", Timestamp: ts, LatencyMs: 812.4},
	}

	var buf bytes.Buffer
	printHistory(&buf, "!a1b2c3d4", records)
	out := buf.String()
	for _, want := range []string{"2026-03-01 12:00:00  in   ch=0  hello", "out  ch=-  hi there  (812 ms)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printHistory(&buf, "!ffffffff", nil)
	if !strings.Contains(buf.String(), "No history for !ffffffff") {
		t.Errorf("unexpected empty output: %q", buf.String())
	}
}

func TestRenderTemplate(t *testing.T) {
	unit := renderTemplate(systemdTemplate, map[string]string{"EXEC": "/usr/local/bin/meshbridge", "CONFIG": "/etc/meshbridge.yaml"})
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/meshbridge run --config /etc/meshbridge.yaml") {
		t.Fatalf("unexpected unit:\n%s", unit)
	}
}
