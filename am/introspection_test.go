package am

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settingFor(t *testing.T, settings []SettingInfo, key string) SettingInfo {
	t.Helper()
	for _, s := range settings {
		if s.Key == key {
			return s
		}
	}
	t.Fatalf("setting %s not reported", key)
	return SettingInfo{}
}

func TestSettingsSources(t *testing.T) {
	dir := isolate(t)
	project := filepath.Join(dir, ProjectFile)
	writeFile(t, project, "[sync]\nworkers = 6\ntoken = \"abc\"\n")
	t.Setenv("CRMSYNC_LOG_LEVEL", "debug")

	settings, err := Settings()
	require.NoError(t, err)

	workers := settingFor(t, settings, "sync.workers")
	assert.Equal(t, SourceProject, workers.Source)
	assert.Equal(t, project, workers.SourcePath)

	level := settingFor(t, settings, "log.level")
	assert.Equal(t, SourceEnvironment, level.Source)
	assert.Equal(t, "CRMSYNC_LOG_LEVEL", level.SourcePath)

	assert.Equal(t, SourceDefault, settingFor(t, settings, "database.path").Source)
	assert.Equal(t, redacted, settingFor(t, settings, "sync.token").Value)
}

func TestRender(t *testing.T) {
	cfg := defaults(t)
	cfg.Sync.Token = "abc"
	cfg.Server.Port = nil

	out, err := Render(cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "[sync]")
	assert.Contains(t, out, redacted)
	assert.Contains(t, out, "port = 877")
	assert.NotContains(t, out, "abc")
	assert.Equal(t, "abc", cfg.Sync.Token, "Render does not modify its argument")
}
