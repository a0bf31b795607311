// Package config holds livesyncd configuration: YAML file loading plus
// the environment overrides used in container deployments.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all livesyncd configuration.
type Config struct {
	Port     int           `yaml:"port"`
	DataDir  string        `yaml:"data_dir"`
	SyncPath string        `yaml:"sync_path"`
	Local    bool          `yaml:"local"`
	Mongo    MongoConfig   `yaml:"mongo"`
	Redis    RedisConfig   `yaml:"redis"`
	Session  SessionConfig `yaml:"session"`
}

// MongoConfig locates the snapshot and oplog database.
type MongoConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// RedisConfig locates the pub/sub broker and the distributed session store.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// SessionConfig controls client identity sessions.
type SessionConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// InsecureSessionSecret is the development fallback. Production deployments
// must set their own secret; the daemon logs a warning when this one is in
// use.
const InsecureSessionSecret = "insecure-dev-secret"

func (c *Config) defaults() {
	if c.Port <= 0 {
		c.Port = 4000
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.SyncPath == "" {
		c.SyncPath = "/channel"
	}
	if c.Mongo.Host == "" {
		c.Mongo.Host = "localhost"
	}
	if c.Mongo.Port <= 0 {
		c.Mongo.Port = 27017
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "livesync"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port <= 0 {
		c.Redis.Port = 6379
	}
	if c.Session.Secret == "" {
		c.Session.Secret = InsecureSessionSecret
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 30 * 24 * time.Hour
	}
}

// MongoURL returns the connection string, composed from host and port when
// no explicit URL is set.
func (c *Config) MongoURL() string {
	if c.Mongo.URL != "" {
		return c.Mongo.URL
	}
	return fmt.Sprintf("mongodb://%s:%d/%s", c.Mongo.Host, c.Mongo.Port, c.Mongo.Database)
}

// RedisAddr returns the host:port to dial, and the password to use.
// An explicit URL (redis://[:password@]host:port) wins over the split
// fields.
func (c *Config) RedisAddr() (addr, password string, err error) {
	if c.Redis.URL == "" {
		return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port), c.Redis.Password, nil
	}
	u, err := url.Parse(c.Redis.URL)
	if err != nil {
		return "", "", fmt.Errorf("config: parse redis url: %w", err)
	}
	pw := c.Redis.Password
	if u.User != nil {
		if p, ok := u.User.Password(); ok {
			pw = p
		}
	}
	return u.Host, pw, nil
}

// LoadConfigFile reads a YAML config file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, nil
}

// FromEnv builds a Config from environment variables, the primary
// mechanism in container deployments. Unset variables take the defaults.
//
//	PORT            listen port
//	DATA_DIR        local-mode storage directory
//	SYNC_PATH       websocket endpoint path
//	NO_REDIS        any non-empty value selects local mode
//	MONGO_URL       full connection string (overrides host/port/db)
//	MONGO_HOST, MONGO_PORT, MONGO_DB
//	REDIS_URL       full connection string (overrides host/port)
//	REDIS_HOST, REDIS_PORT, REDIS_PASSWORD
//	SESSION_SECRET  cookie session secret
func FromEnv() *Config {
	cfg := &Config{
		DataDir:  os.Getenv("DATA_DIR"),
		SyncPath: os.Getenv("SYNC_PATH"),
		Local:    os.Getenv("NO_REDIS") != "",
		Mongo: MongoConfig{
			URL:      os.Getenv("MONGO_URL"),
			Host:     os.Getenv("MONGO_HOST"),
			Database: os.Getenv("MONGO_DB"),
		},
		Redis: RedisConfig{
			URL:      os.Getenv("REDIS_URL"),
			Host:     os.Getenv("REDIS_HOST"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Session: SessionConfig{
			Secret: os.Getenv("SESSION_SECRET"),
		},
	}
	cfg.Port = envInt("PORT")
	cfg.Mongo.Port = envInt("MONGO_PORT")
	cfg.Redis.Port = envInt("REDIS_PORT")
	cfg.defaults()
	return cfg
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}
