package logx

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// captureOutput redirects log output to a buffer for the duration of the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

// withDebug sets the debug config for the duration of the test.
func withDebug(t *testing.T, enabled bool, domains ...string) {
	t.Helper()
	SetDebugConfig(enabled, domains)
	t.Cleanup(func() { SetDebugConfig(false, nil) })
}

func TestLogFormat(t *testing.T) {
	buf := captureOutput(t)

	logger := NewLogger("bus")
	logger.Info("Queue for %s is full", "executor")

	output := buf.String()
	if !strings.Contains(output, "[bus]") {
		t.Errorf("Expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "INFO: Queue for executor is full") {
		t.Errorf("Expected level and formatted message, got: %s", output)
	}
	if !strings.HasPrefix(output, "[") || !strings.Contains(output, "Z]") {
		t.Errorf("Expected UTC timestamp prefix, got: %s", output)
	}
}

func TestLogLevels(t *testing.T) {
	buf := captureOutput(t)
	withDebug(t, true)

	logger := NewLogger("coordinator")
	tests := []struct {
		logFunc  func(string, ...any)
		expected Level
	}{
		{logger.Debug, LevelDebug},
		{logger.Info, LevelInfo},
		{logger.Warn, LevelWarn},
		{logger.Error, LevelError},
	}

	for _, tt := range tests {
		buf.Reset()
		tt.logFunc("message")
		if !strings.Contains(buf.String(), string(tt.expected)+":") {
			t.Errorf("Expected level %s in output, got: %s", tt.expected, buf.String())
		}
	}
}

func TestDebugDisabledByDefault(t *testing.T) {
	buf := captureOutput(t)
	withDebug(t, false)

	NewLogger("bus").Debug("hidden")
	Debug(context.Background(), "bus", "hidden too")

	if buf.Len() != 0 {
		t.Errorf("Expected no debug output, got: %s", buf.String())
	}
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := captureOutput(t)
	withDebug(t, true, "bus")

	ctx := WithComponent(context.Background(), "planner")
	Debug(ctx, "bus", "routed %d", 3)
	Debug(ctx, "store", "filtered out")

	output := buf.String()
	if !strings.Contains(output, "[planner] DEBUG: [bus] routed 3") {
		t.Errorf("Expected bus domain debug line, got: %s", output)
	}
	if strings.Contains(output, "filtered out") {
		t.Errorf("Expected store domain to be filtered, got: %s", output)
	}
}

func TestWithComponent(t *testing.T) {
	logger := NewLogger("bus").WithComponent("executor")
	if logger.Component() != "bus/executor" {
		t.Errorf("Expected bus/executor, got %s", logger.Component())
	}
}

func TestWrap(t *testing.T) {
	buf := captureOutput(t)

	if Wrap(nil, "noop") != nil {
		t.Error("Expected nil for nil error")
	}

	base := errors.New("disk full")
	err := Wrap(base, "write audit record")
	if !errors.Is(err, base) {
		t.Errorf("Expected wrapped error to match base")
	}
	if err.Error() != "write audit record: disk full" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
	if !strings.Contains(buf.String(), "ERROR: write audit record: disk full") {
		t.Errorf("Expected error to be logged, got: %s", buf.String())
	}
}

func TestSystemHelpers(t *testing.T) {
	buf := captureOutput(t)

	Infof("started %d", 1)
	Warnf("slow %s", "disk")
	base := errors.New("no route")
	err := Errorf("dial bus: %w", base)

	if !errors.Is(err, base) {
		t.Errorf("Expected Errorf to wrap its %%w argument")
	}
	out := buf.String()
	for _, want := range []string{
		"[system] INFO: started 1",
		"[system] WARN: slow disk",
		"[system] ERROR: dial bus: no route",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output, got: %s", want, out)
		}
	}
}

func TestInitializeLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	if err := InitializeLogFile(dir, false); err != nil {
		t.Fatalf("InitializeLogFile failed: %v", err)
	}

	NewLogger("cli").Info("written to file")

	if err := CloseLogFile(); err != nil {
		t.Fatalf("CloseLogFile failed: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "tandem-*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("Expected one log file, got %v (%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("Expected log line in file, got: %s", data)
	}
}
