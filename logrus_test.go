package mitm_test

import (
	"testing"

	"github.com/homuler/mitm-proxy-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogrusSink(t *testing.T) {
	t.Parallel()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	sink := mitm.NewLogrusSink(logger)

	sink.Log(mitm.LevelError, "e")
	sink.Log(mitm.LevelWarn, "w")
	sink.Log(mitm.LevelInfo, "i")
	sink.Log(mitm.LevelDebug, "d")

	entries := hook.AllEntries()
	require.Len(t, entries, 4)

	expected := []logrus.Level{logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel}
	for i, entry := range entries {
		assert.Equal(t, expected[i], entry.Level)
		assert.Equal(t, "mitm", entry.Data["component"])
	}
	assert.Equal(t, "d", hook.LastEntry().Message)
}

func TestLogrusLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, mitm.LevelError, mitm.LogrusLevel(logrus.PanicLevel))
	assert.Equal(t, mitm.LevelError, mitm.LogrusLevel(logrus.ErrorLevel))
	assert.Equal(t, mitm.LevelWarn, mitm.LogrusLevel(logrus.WarnLevel))
	assert.Equal(t, mitm.LevelInfo, mitm.LogrusLevel(logrus.InfoLevel))
	assert.Equal(t, mitm.LevelDebug, mitm.LogrusLevel(logrus.TraceLevel))
}
