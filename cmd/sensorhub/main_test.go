package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sensorhub/internal/core"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCLICheckPrintsRedactedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	body := "archive:\n  driver: s3\n  s3:\n    bucket: b\n    secretAccessKey: hunter2\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var stdout, stderr bytes.Buffer
	if code := cli(context.Background(), []string{"-config", path, "-check"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if strings.Contains(stdout.String(), "hunter2") {
		t.Fatalf("secret leaked: %s", stdout.String())
	}
	if !strings.Contains(stdout.String(), "bucket: b") {
		t.Fatalf("expected bucket in output: %s", stdout.String())
	}
}

func TestCLIErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli(context.Background(), []string{"-unknown"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2 for bad flag, got %d", code)
	}
	if code := cli(context.Background(), []string{"-config", "does-not-exist.yaml"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 for missing config, got %d", code)
	}
}

func TestMainUsesExitFunc(t *testing.T) {
	var codes []int
	old := exitFunc
	exitFunc = func(code int) { codes = append(codes, code) }
	defer func() { exitFunc = old }()
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"sensorhub", "-check"}
	main()
	if len(codes) != 1 || codes[0] != 0 {
		t.Fatalf("unexpected exit codes: %v", codes)
	}
}

func TestRunServesMetricsUntilCancelled(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Metrics.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zap.NewNop(), ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not start")
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}
