package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThorbenD/htlc-relay/config"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--config", t.TempDir() + "/missing.yaml"})

	require.Error(t, root.Execute())
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown", "ledger", "sepolia")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"ledger":"sepolia"`)

	_, err = newLogger(config.LogConfig{Level: "chatty", Format: "text"}, &buf)
	require.Error(t, err)
}
