package logger

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

// captureOutput captures log output during test execution
func captureOutput(f func()) string {
	oldOutput := Writer()
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(oldOutput)

	f()
	return buf.String()
}

func withLevel(t *testing.T, level LogLevel) {
	t.Helper()
	originalLevel := GetLevel()
	SetLevel(level)
	t.Cleanup(func() { SetLevel(originalLevel) })
}

func TestSetLevel(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
	}{
		{"set trace level", TRACE},
		{"set debug level", DEBUG},
		{"set info level", INFO},
		{"set warn level", WARN},
		{"set error level", ERROR},
		{"set fatal level", FATAL},
	}

	withLevel(t, INFO)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.level)
			if GetLevel() != tt.level {
				t.Errorf("SetLevel() = %v, want %v", GetLevel(), tt.level)
			}
		})
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		name          string
		levelStr      string
		expectedLevel LogLevel
	}{
		{"trace level", "TRACE", TRACE},
		{"debug level", "DEBUG", DEBUG},
		{"info level", "INFO", INFO},
		{"warn level", "WARN", WARN},
		{"warning alias", "warning", WARN},
		{"error level", "ERROR", ERROR},
		{"fatal level", "FATAL", FATAL},
		{"lowercase debug", "debug", DEBUG},
		{"padded", "  error ", ERROR},
		{"unknown level", "UNKNOWN", INFO},
		{"empty string", "", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetLevelFromString(tt.levelStr); got != tt.expectedLevel {
				t.Errorf("GetLevelFromString(%q) = %v, want %v", tt.levelStr, got, tt.expectedLevel)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{TRACE, "TRACE"},
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{FATAL, "FATAL"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("LogLevel(%d).String() = %q, want %q", int(tt.level), got, tt.expected)
			}
		})
	}
}

func TestLogLevelFiltering(t *testing.T) {
	logAt := map[LogLevel]func(string, ...any){
		TRACE: Trace,
		DEBUG: Debug,
		INFO:  Info,
		WARN:  Warn,
		ERROR: Error,
	}

	levels := []LogLevel{TRACE, DEBUG, INFO, WARN, ERROR}
	for _, current := range levels {
		for _, msgLevel := range levels {
			name := fmt.Sprintf("%s message with %s level", msgLevel, current)
			t.Run(name, func(t *testing.T) {
				withLevel(t, current)
				output := captureOutput(func() {
					logAt[msgLevel]("test message")
				})

				shouldBePrinted := msgLevel >= current
				if shouldBePrinted && output == "" {
					t.Errorf("expected log output but got none")
				}
				if !shouldBePrinted && output != "" {
					t.Errorf("expected no log output but got %q", output)
				}
			})
		}
	}
}

func TestLogFormatting(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(string, ...any)
		level   string
		format  string
		args    []any
	}{
		{"debug with no args", Debug, "DEBUG", "simple message", nil},
		{"info with string arg", Info, "INFO", "message with %s", []any{"argument"}},
		{"warn with multiple args", Warn, "WARN", "message with %s and %d", []any{"string", 42}},
		{"error with complex args", Error, "ERROR", "error: %v, code: %d", []any{fmt.Errorf("test error"), 500}},
	}

	withLevel(t, DEBUG)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := captureOutput(func() {
				tt.logFunc(tt.format, tt.args...)
			})

			if !strings.Contains(output, "["+tt.level+"]") {
				t.Errorf("Output does not contain expected level. Got: %s, Want to contain: %s", output, tt.level)
			}

			expectedContent := fmt.Sprintf(tt.format, tt.args...)
			if !strings.Contains(output, expectedContent) {
				t.Errorf("Output does not contain expected content. Got: %s, Want to contain: %s", output, expectedContent)
			}
		})
	}
}

func TestFatalExits(t *testing.T) {
	withLevel(t, INFO)

	var code int
	oldExit := exit
	exit = func(c int) { code = c }
	defer func() { exit = oldExit }()

	output := captureOutput(func() {
		Fatal("cannot bind %s", "0.0.0.0:3000")
	})

	if code != 1 {
		t.Errorf("Fatal exit code = %d, want 1", code)
	}
	if !strings.Contains(output, "[FATAL] cannot bind 0.0.0.0:3000") {
		t.Errorf("Output does not contain fatal message. Got: %s", output)
	}
}

func TestWithConn(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		format   string
		args     []any
		expected string
	}{
		{"with address", "127.0.0.1:5000", "Test message %s", []any{"arg"}, "[127.0.0.1:5000] Test message arg"},
		{"empty address", "", "Test message %s", []any{"arg"}, "[] Test message arg"},
		{"multiple format args", "[::1]:80", "Test %s %d %s", []any{"message", 42, "args"}, "[[::1]:80] Test message 42 args"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WithConn(tt.addr, tt.format, tt.args...); got != tt.expected {
				t.Errorf("WithConn() = %q, want %q", got, tt.expected)
			}
		})
	}
}
