package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 协作服务配置（collabConfig.yaml）
type Config struct {
	Running struct {
		Port           int      `mapstructure:"port"`
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"running"`
	Redis struct {
		// 一个地址时是单机，多个地址时是集群
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers    []string      `mapstructure:"brokers"`
		Topic      string        `mapstructure:"topic"`
		QueueSize  int           `mapstructure:"queueSize"`
		Workers    int           `mapstructure:"workers"`
		MaxRetry   int           `mapstructure:"maxRetry"`
		MaxBackoff time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Collab struct {
		HistoryRetention int `mapstructure:"historyRetention"`
		RingCap          int `mapstructure:"ringCap"`
		MaxInflight      int `mapstructure:"maxInflight"`
	} `mapstructure:"collab"`
}

// AgentConfig 无界面参与者的配置（agentConfig.yaml）
type AgentConfig struct {
	Server struct {
		URL   string `mapstructure:"url"`
		Token string `mapstructure:"token"`
		// 没有 token 时用密钥自己签一个，只用于本地开发
		JWTSecret string `mapstructure:"jwtSecret"`
		UserID    uint64 `mapstructure:"userId"`
		Username  string `mapstructure:"username"`
	} `mapstructure:"server"`
	Engine struct {
		Debug            bool          `mapstructure:"debug"`
		MaxRetries       int           `mapstructure:"maxRetries"`
		HistoryRetention int           `mapstructure:"historyRetention"`
		HostTimeout      time.Duration `mapstructure:"hostTimeout"`
	} `mapstructure:"engine"`
	Reconnect struct {
		MaxElapsed time.Duration `mapstructure:"maxElapsed"`
	} `mapstructure:"reconnect"`
}

func newViper(name string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	// 密钥之类的可以用环境变量覆盖，例如 COLLAB_AUTH_JWTSECRET
	v.SetEnvPrefix("collab")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func Load() (*Config, error) {
	v := newViper("collabConfig")
	v.SetDefault("running.port", 8082)
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("collab.maxInflight", 100)
	// 只有出现在配置或默认值里的键才会被 Unmarshal 从环境变量覆盖
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("mysql.dsn", "")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadAgent() (*AgentConfig, error) {
	v := newViper("agentConfig")
	v.SetDefault("server.url", "ws://127.0.0.1:8082/collab/ws")
	v.SetDefault("engine.maxRetries", 3)
	v.SetDefault("engine.hostTimeout", 5*time.Second)
	v.SetDefault("reconnect.maxElapsed", time.Minute)
	v.SetDefault("server.token", "")
	v.SetDefault("server.jwtSecret", "")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &AgentConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
