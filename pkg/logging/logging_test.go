package logging

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_PrefixAndLevels(t *testing.T) {
	var lines []string
	record := func(level string) LogFunc {
		return func(format string, args ...interface{}) {
			lines = append(lines, level+" "+fmt.Sprintf(format, args...))
		}
	}

	logger := NewLogger("unit: web , ", LogFuncs{
		Debugf: record("DEBUG"),
		Infof:  record("INFO"),
		Errorf: record("ERROR"),
	})

	logger.Infof("started, pid: %d", 42)
	logger.Warnf("dropped, no warn func")
	logger.Errorf("failed")
	logger.LogLevelf(LogLevelDebug, "debug %s", "line")

	assert.Equal(t, []string{
		"INFO unit: web , started, pid: 42",
		"ERROR unit: web , failed",
		"DEBUG unit: web , debug line",
	}, lines)
}

func TestLogger_LogLevelfOverride(t *testing.T) {
	var levels []int
	logger := NewLogger("", LogFuncs{
		LogLevelf: func(level int, format string, args ...interface{}) {
			levels = append(levels, level)
		},
	})

	logger.Debugf("a")
	logger.Warnf("b")

	assert.Equal(t, []int{LogLevelDebug, LogLevelWarn}, levels)
}

func TestForUnit(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := FromZap(zap.New(core))

	ForUnit(base, "worker").Warnf("exited with %d", 1)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "unit: worker , exited with 1", entries[0].Message)
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Errorf("nothing %d", 1)
	})
}

func TestBuildZap(t *testing.T) {
	_, err := BuildZap(ZapConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = BuildZap(ZapConfig{Format: "xml"})
	assert.Error(t, err)

	output := filepath.Join(t.TempDir(), "sysinit.log")
	logger, zapLogger, err := NewZapLogger(ZapConfig{Level: "debug", Format: "json", Output: output})
	require.NoError(t, err)
	logger.Infof("hello")
	_ = zapLogger.Sync()
	assert.FileExists(t, output)
}
