// Package config loads host configuration for the poller daemon.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvConfig overrides the configuration file location.
	EnvConfig = "METERPOLL_CONFIG"
	// DefaultConfigPath is relative to the working directory.
	DefaultConfigPath = "config/config.ini"
	envPrefix         = "METERPOLL"

	// DefaultInterval applies to tables without a reading_intervals entry.
	DefaultInterval = 15 * time.Minute
)

// Config holds the daemon configuration.
type Config struct {
	SchemaPath string
	QuestDB    QuestDB
	Modbus     Modbus
	HTTPAddr   string
	GRPCAddr   string
	RunOnStart bool
	LogLevel   string
	LogFormat  string
	// HistorySize bounds the in-memory reading history.
	HistorySize int
	// Intervals maps lower-cased table names to their reading interval.
	Intervals map[string]time.Duration
	// Used is the configuration file that was read, if any.
	Used string
}

type QuestDB struct {
	Host     string
	Port     int
	Protocol string
}

// Conf renders the QuestDB client configuration string.
func (q QuestDB) Conf() string {
	return fmt.Sprintf("%s::addr=%s:%d;", q.Protocol, q.Host, q.Port)
}

type Modbus struct {
	Timeout     time.Duration
	IdleTimeout time.Duration
}

// Path resolves the configuration file location.
func Path() string {
	if v := os.Getenv(EnvConfig); v != "" {
		return v
	}
	return DefaultConfigPath
}

// Load reads the INI file at path. A missing file leaves every setting at
// its default.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("schema.path", "")
	v.SetDefault("questdb_influx.host", "localhost")
	v.SetDefault("questdb_influx.port", 9009)
	v.SetDefault("questdb_influx.protocol", "tcp")
	v.SetDefault("modbus.timeout", "5s")
	v.SetDefault("modbus.idle_timeout", "60s")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("history.size", 4096)

	cfg := &Config{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	} else {
		cfg.Used = v.ConfigFileUsed()
	}

	cfg.SchemaPath = v.GetString("schema.path")
	cfg.QuestDB = QuestDB{
		Host:     v.GetString("questdb_influx.host"),
		Port:     v.GetInt("questdb_influx.port"),
		Protocol: v.GetString("questdb_influx.protocol"),
	}
	cfg.Modbus = Modbus{
		Timeout:     v.GetDuration("modbus.timeout"),
		IdleTimeout: v.GetDuration("modbus.idle_timeout"),
	}
	cfg.HTTPAddr = v.GetString("http.addr")
	cfg.GRPCAddr = v.GetString("grpc.addr")
	cfg.RunOnStart = v.GetBool("scheduler.run_on_start")
	cfg.LogLevel = v.GetString("log.level")
	cfg.LogFormat = v.GetString("log.format")
	cfg.HistorySize = v.GetInt("history.size")

	intervals, err := parseIntervals(v.GetStringMapString("reading_intervals"))
	if err != nil {
		return nil, err
	}
	cfg.Intervals = intervals
	return cfg, nil
}

func parseIntervals(raw map[string]string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(raw))
	for table, s := range raw {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("reading_intervals.%s: invalid seconds %q", table, s)
		}
		out[strings.ToLower(table)] = time.Duration(n) * time.Second
	}
	return out, nil
}

// Interval returns the reading interval for a table, DefaultInterval when
// none is configured.
func (c *Config) Interval(table string) time.Duration {
	if d, ok := c.Intervals[strings.ToLower(table)]; ok {
		return d
	}
	return DefaultInterval
}
