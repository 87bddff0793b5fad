package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_Usage(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &bytes.Buffer{}, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: gdo") {
			t.Errorf("run(%v) output missing usage: %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		want      string
		wantUsage bool
	}{
		{"unknown command", []string{"fly"}, "unknown command", true},
		{"unknown flag", []string{"-x"}, "unknown flag", true},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format", false},
		{"missing config", []string{"-config", "/nonexistent/gdo.yaml", "run"}, "config file not found", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
			if got := strings.Contains(stderr.String(), "Usage: gdo"); got != tt.wantUsage {
				t.Errorf("usage on stderr = %v, want %v", got, tt.wantUsage)
			}
			if strings.Contains(stdout.String(), "Usage: gdo") {
				t.Error("usage written to stdout on error")
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	t.Parallel()

	var text bytes.Buffer
	if err := run(context.Background(), &text, &bytes.Buffer{}, []string{"version"}); err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(text.String(), "gdo ") || !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text output = %q", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, &bytes.Buffer{}, []string{"-o=json", "version"}); err != nil {
		t.Fatalf("version json error = %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("json output not parseable: %v\n%s", err, js.String())
	}
	if info["version"] == "" || info["platform"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_Check(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	os.WriteFile(good, []byte("network:\n  driver: sim\nhardware:\n  driver: sim\nmessaging:\n  broker: mqtt://127.0.0.1:1883\n"), 0o600)
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("log_level: loud\nnetwork:\n  driver: carrier-pigeon\n"), 0o600)

	var out bytes.Buffer
	if err := run(context.Background(), &out, &bytes.Buffer{}, []string{"-config", good, "check"}); err != nil {
		t.Fatalf("check(good) error = %v", err)
	}
	if !strings.Contains(out.String(), "ok") {
		t.Errorf("output = %q", out.String())
	}

	err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"-config=" + bad, "check"})
	if err == nil {
		t.Fatal("check(bad) should fail")
	}
	for _, want := range []string{"log level", "network.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
