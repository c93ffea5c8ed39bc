package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitLogger(t *testing.T) {
	t.Cleanup(func() { Log = zap.NewNop() })

	require.NoError(t, InitLogger("debug", "console"))
	assert.True(t, Log.Core().Enabled(zap.DebugLevel))

	require.NoError(t, InitLogger("warn", "json"))
	assert.False(t, Log.Core().Enabled(zap.InfoLevel))
	assert.True(t, Log.Core().Enabled(zap.WarnLevel))
}

func TestInitLoggerRejectsBadInput(t *testing.T) {
	t.Cleanup(func() { Log = zap.NewNop() })

	assert.Error(t, InitLogger("loud", "json"))
	assert.Error(t, InitLogger("info", "xml"))
}
