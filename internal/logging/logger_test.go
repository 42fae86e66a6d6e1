package logging

import (
	"testing"

	"github.com/longbridgeapp/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNew(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "console"}, "test")
	assert.Nil(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	assert.True(t, OrNop(nil) != nil)
}
