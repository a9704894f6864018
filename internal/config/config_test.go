package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeINI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.ini"))
	require.NoError(t, err)

	assert.Empty(t, cfg.Used)
	assert.Equal(t, "tcp::addr=localhost:9009;", cfg.QuestDB.Conf())
	assert.Equal(t, 5*time.Second, cfg.Modbus.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Modbus.IdleTimeout)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.False(t, cfg.RunOnStart)
	assert.Equal(t, 4096, cfg.HistorySize)
	assert.Equal(t, 15*time.Minute, cfg.Interval("phase"))
}

func TestLoad_INI(t *testing.T) {
	path := writeINI(t, `
[schema]
path = /etc/meterpoller/registers.yaml

[questdb_influx]
host = questdb.local
port = 9000
protocol = http

[reading_intervals]
phase = 60
Electric_Avg = 300

[modbus]
timeout = 2s

[scheduler]
run_on_start = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Used)
	assert.Equal(t, "/etc/meterpoller/registers.yaml", cfg.SchemaPath)
	assert.Equal(t, "http::addr=questdb.local:9000;", cfg.QuestDB.Conf())
	assert.Equal(t, 2*time.Second, cfg.Modbus.Timeout)
	assert.True(t, cfg.RunOnStart)
	assert.Equal(t, time.Minute, cfg.Interval("phase"))
	assert.Equal(t, 5*time.Minute, cfg.Interval("electric_avg"))
	assert.Equal(t, 5*time.Minute, cfg.Interval("ELECTRIC_AVG"))
	assert.Equal(t, DefaultInterval, cfg.Interval("panel"))
}

func TestLoad_InvalidInterval(t *testing.T) {
	path := writeINI(t, "[reading_intervals]\nphase = soon\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading_intervals.phase")
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("METERPOLL_HTTP_ADDR", "127.0.0.1:18080")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.ini"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:18080", cfg.HTTPAddr)
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfig, "")
	assert.Equal(t, DefaultConfigPath, Path())
	t.Setenv(EnvConfig, "/srv/poller.ini")
	assert.Equal(t, "/srv/poller.ini", Path())
}
