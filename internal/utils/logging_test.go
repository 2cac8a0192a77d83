package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithComponent(t *testing.T) {
	// Setup observer to capture logs
	observedZapCore, observedLogs := observer.New(zap.InfoLevel)
	Logger = zap.New(observedZapCore)

	// Test WithComponent
	componentLogger := WithComponent("test_component")
	assert.NotNil(t, componentLogger)

	componentLogger.Info("test message")

	// Verify log entry
	logs := observedLogs.All()
	assert.Equal(t, 1, len(logs))
	assert.Equal(t, "test message", logs[0].Message)

	// Check context fields
	contextMap := logs[0].ContextMap()
	assert.Equal(t, "test_component", contextMap["component"])
}

func TestWithComponent_NilLogger(t *testing.T) {
	// Temporarily set Logger to nil
	originalLogger := Logger
	Logger = nil
	defer func() { Logger = originalLogger }()

	componentLogger := WithComponent("test_component")
	assert.Nil(t, componentLogger)
}

func TestInit_ConsoleOnly(t *testing.T) {
	originalLogger := Logger
	defer func() { Logger = originalLogger }()

	err := Init("")
	require.NoError(t, err)
	assert.NotNil(t, Logger)
}

func TestInit_Logto(t *testing.T) {
	originalLogger := Logger
	defer func() { Logger = originalLogger }()

	logPath := filepath.Join(t.TempDir(), "masterd.log")
	err := Init(logPath)
	require.NoError(t, err)

	Logger.Info("hello from file core")
	_ = Sync() // stdout sync errors under the test harness; the file core is unbuffered

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from file core")
}

func TestInit_BadLogtoPath(t *testing.T) {
	originalLogger := Logger
	defer func() { Logger = originalLogger }()

	err := Init(filepath.Join(t.TempDir(), "missing", "dir", "masterd.log"))
	assert.Error(t, err)
}
