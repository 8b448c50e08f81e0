package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/weiawesome/danmu-bridge/internal/claims"
	"github.com/weiawesome/danmu-bridge/internal/control"
	"github.com/weiawesome/danmu-bridge/internal/relay"
	"github.com/weiawesome/danmu-bridge/internal/stream/bilibili"
	pkgconfig "github.com/weiawesome/danmu-bridge/pkg/config"
	pkglog "github.com/weiawesome/danmu-bridge/pkg/log"
	"github.com/weiawesome/danmu-bridge/pkg/pubsub"
)

const DefaultControlURL = "http://127.0.0.1:12345/yomiuri"

type Config struct {
	InstanceID string `mapstructure:"instance_id"`
	Control    control.Config
	Bilibili   BilibiliConfig
	Relay      relay.Config
	Server     ServerConfig
	Claims     claims.Config
	Mirror     MirrorConfig
	Log        pkglog.Config
}

type BilibiliConfig struct {
	Cookies         string `mapstructure:"cookies"`
	bilibili.Config `mapstructure:",squash"`
}

type ServerConfig struct {
	Enabled bool
	Host    string
	Port    int
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type MirrorConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	pubsub.Config `mapstructure:",squash"`
}

// Load builds the configuration from defaults, an optional YAML file,
// environment variables and the given command line arguments.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("danmu-bridge", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a YAML config file")
	fs.String("url", "", "control server URL")
	fs.String("cookies", "", "bilibili cookies, bili_jct=XXX;SESSDATA=XXX;dedeuserid=XXX;buvid3=XXX")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var (
		v   *viper.Viper
		err error
	)
	if *configFile != "" {
		v, err = pkgconfig.LoadFile(*configFile)
	} else {
		v, err = pkgconfig.Load("./config", "config")
	}
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("instance_id", "")
	v.SetDefault("control.url", DefaultControlURL)
	v.SetDefault("control.namespace", "/")
	v.SetDefault("control.path", "socket.io")
	v.SetDefault("control.reconnect_delay", "3s")
	v.SetDefault("control.handshake_timeout", "10s")
	v.SetDefault("control.write_wait", "10s")
	v.SetDefault("control.send_buffer", 256)
	v.SetDefault("bilibili.cookies", "")
	v.SetDefault("bilibili.api_base", bilibili.DefaultAPIBase)
	v.SetDefault("bilibili.scheme", "wss")
	v.SetDefault("bilibili.retry_delay", "1s")
	v.SetDefault("bilibili.max_retries", 5)
	v.SetDefault("bilibili.heartbeat_interval", "30s")
	v.SetDefault("bilibili.http_timeout", "10s")
	v.SetDefault("bilibili.handshake_timeout", "10s")
	v.SetDefault("relay.capacity", 1)
	v.SetDefault("relay.retry_delay", "3s")
	v.SetDefault("relay.close_timeout", "10s")
	v.SetDefault("relay.emit_timeout", "5s")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8095)
	v.SetDefault("claims.enabled", false)
	v.SetDefault("claims.address", "localhost:6379")
	v.SetDefault("claims.password", "")
	v.SetDefault("claims.db", 0)
	v.SetDefault("claims.prefix", "danmu-bridge")
	v.SetDefault("claims.key_ttl", "30s")
	v.SetDefault("claims.heartbeat_interval", "10s")
	mirror := pubsub.DefaultConfig()
	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.driver", mirror.Driver)
	v.SetDefault("mirror.redis.address", mirror.Redis.Address)
	v.SetDefault("mirror.redis.pool_size", mirror.Redis.PoolSize)
	v.SetDefault("mirror.redis.read_timeout", "3s")
	v.SetDefault("mirror.redis.write_timeout", "3s")
	v.SetDefault("mirror.kafka.brokers", mirror.Kafka.Brokers)
	v.SetDefault("mirror.kafka.partitions", mirror.Kafka.Partitions)
	v.SetDefault("mirror.kafka.topics", mirror.Kafka.Topics)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "danmu-bridge")

	// Override from environment
	v.BindEnv("instance_id", "INSTANCE_ID")
	v.BindEnv("control.url", "CONTROL_URL")
	v.BindEnv("bilibili.cookies", "BILI_COOKIES")
	v.BindEnv("claims.address", "REDIS_ADDRESS")
	v.BindEnv("claims.password", "REDIS_PASSWORD")
	v.BindEnv("mirror.redis.address", "REDIS_ADDRESS")
	v.BindEnv("mirror.redis.password", "REDIS_PASSWORD")
	v.BindEnv("mirror.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("log.level", "LOG_LEVEL")

	// Flags win over everything when set
	if err := pkgconfig.BindFlags(v, fs, map[string]string{
		"control.url":      "url",
		"bilibili.cookies": "cookies",
		"log.level":        "log-level",
	}); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Parse durations
	cfg.Control.ReconnectDelay = parseDuration(v, "control.reconnect_delay", 3*time.Second)
	cfg.Control.HandshakeTimeout = parseDuration(v, "control.handshake_timeout", 10*time.Second)
	cfg.Control.WriteWait = parseDuration(v, "control.write_wait", 10*time.Second)
	cfg.Bilibili.RetryDelay = parseDuration(v, "bilibili.retry_delay", time.Second)
	cfg.Bilibili.HeartbeatInterval = parseDuration(v, "bilibili.heartbeat_interval", 30*time.Second)
	cfg.Bilibili.HTTPTimeout = parseDuration(v, "bilibili.http_timeout", 10*time.Second)
	cfg.Bilibili.HandshakeTimeout = parseDuration(v, "bilibili.handshake_timeout", 10*time.Second)
	cfg.Relay.RetryDelay = parseDuration(v, "relay.retry_delay", 3*time.Second)
	cfg.Relay.CloseTimeout = parseDuration(v, "relay.close_timeout", 10*time.Second)
	cfg.Relay.EmitTimeout = parseDuration(v, "relay.emit_timeout", 5*time.Second)
	cfg.Claims.KeyTTL = parseDuration(v, "claims.key_ttl", 30*time.Second)
	cfg.Claims.HeartbeatInterval = parseDuration(v, "claims.heartbeat_interval", 10*time.Second)

	if cfg.Control.URL == "" {
		return nil, fmt.Errorf("control url is required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	cfg.Log.InstanceID = cfg.InstanceID

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
