package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

const checkConfig = `
extractor_path: /bin/sh
formatter_path: /bin/sh
defaults:
  caldav_url: https://dav.example.com
  caldav_username: user
  caldav_password: secret
  title: Calendar Events
  link: https://example.com
  description: Calendar Feed
  timezone: UTC
calendars:
  - id: work
    calendar_url: https://dav.example.com/cal/work
  - id: nourl
groups:
  - id: all
    members: [work]
`

func TestCheckReportsBrokenTargets(t *testing.T) {
	path := writeConfig(t, checkConfig)

	out, err := execute(t, "check", "--config", path, "--env-file", "")
	require.Error(t, err)
	assert.Contains(t, out, "ok    work")
	assert.Contains(t, out, "ok    all")
	assert.Contains(t, out, "FAIL  nourl")
	assert.Contains(t, out, "calendar_url")
	assert.Contains(t, err.Error(), "1 problem(s)")
}

func TestCheckMissingConfigFile(t *testing.T) {
	_, err := execute(t, "check", "--config", filepath.Join(t.TempDir(), "nope.yaml"), "--env-file", "")
	assert.Error(t, err)
}

func TestEnvFileOverridesConfig(t *testing.T) {
	path := writeConfig(t, checkConfig)
	env := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(env, []byte("CALFEED_LOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CALFEED_LOG_LEVEL") })

	_, _ = execute(t, "check", "--config", path, "--env-file", env)
	require.NotNil(t, cfg)
	assert.Equal(t, "debug", cfg.LogLevel)
}
