package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureJSON(t *testing.T) {
	log := logrus.New()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	require.NoError(t, Configure(log, Config{Level: "debug", Format: "json"}))
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("PRTN", 3).Debug("BATCH:COMMITTED")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "BATCH:COMMITTED", line["msg"])
	assert.Equal(t, 3.0, line["PRTN"])
}

func TestConfigureDefaults(t *testing.T) {
	log := logrus.New()
	require.NoError(t, Configure(log, Config{}))
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}

func TestConfigureRejectsUnknown(t *testing.T) {
	assert.Error(t, Configure(logrus.New(), Config{Level: "loud"}))
	assert.Error(t, Configure(logrus.New(), Config{Format: "xml"}))
}
