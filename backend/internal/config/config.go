package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type CollabConfig struct {
	Running struct {
		Port            int           `mapstructure:"Port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
		AllowOrigins    []string      `mapstructure:"allowOrigins"`
	} `mapstructure:"Running"`
	Store struct {
		// memory | mysql | bolt
		Driver  string `mapstructure:"driver"`
		DSN     string `mapstructure:"dsn"`
		DataDir string `mapstructure:"dataDir"`
	} `mapstructure:"Store"`
	Presence struct {
		// memory | redis
		Backend       string        `mapstructure:"backend"`
		TTL           time.Duration `mapstructure:"ttl"`
		SweepInterval time.Duration `mapstructure:"sweepInterval"`
	} `mapstructure:"Presence"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		// brokers 为空时不导出操作事件
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Workers int      `mapstructure:"workers"`
		Queue   int      `mapstructure:"queue"`
	} `mapstructure:"Kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"Auth"`
	Engine struct {
		HistorySize   int    `mapstructure:"historySize"`
		DedupSize     int    `mapstructure:"dedupSize"`
		SnapshotEvery uint64 `mapstructure:"snapshotEvery"`
		// 同时处理的编辑请求上限
		MaxInFlight int `mapstructure:"maxInFlight"`
	} `mapstructure:"Engine"`
	WS struct {
		PongWait       time.Duration `mapstructure:"pongWait"`
		SendBuffer     int           `mapstructure:"sendBuffer"`
		RateLimit      float64       `mapstructure:"rateLimit"`
		RateBurst      int           `mapstructure:"rateBurst"`
		AllowedOrigins []string      `mapstructure:"allowedOrigins"`
	} `mapstructure:"WS"`
	Log struct {
		Level string `mapstructure:"level"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"Log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Running.Port", 8081)
	v.SetDefault("Running.shutdownTimeout", 10*time.Second)
	v.SetDefault("Running.allowOrigins", []string{})

	v.SetDefault("Store.driver", "memory")
	v.SetDefault("Store.dsn", "")
	v.SetDefault("Store.dataDir", "./data")

	v.SetDefault("Presence.backend", "memory")
	v.SetDefault("Presence.ttl", 5*time.Minute)
	v.SetDefault("Presence.sweepInterval", 30*time.Second)

	v.SetDefault("Redis.addrs", []string{})
	v.SetDefault("Redis.password", "")

	v.SetDefault("Kafka.brokers", []string{})
	v.SetDefault("Kafka.topic", "collab.document.ops")
	v.SetDefault("Kafka.workers", 4)
	v.SetDefault("Kafka.queue", 10_000)

	v.SetDefault("Auth.jwtSecret", "")

	v.SetDefault("Engine.historySize", 512)
	v.SetDefault("Engine.dedupSize", 4096)
	v.SetDefault("Engine.snapshotEvery", 100)
	v.SetDefault("Engine.maxInFlight", 64)

	v.SetDefault("WS.pongWait", 60*time.Second)
	v.SetDefault("WS.sendBuffer", 256)
	v.SetDefault("WS.rateLimit", 50)
	v.SetDefault("WS.rateBurst", 100)
	v.SetDefault("WS.allowedOrigins", []string{})

	v.SetDefault("Log.level", "info")
	v.SetDefault("Log.json", false)
}

// Load 读取配置：.env -> collabConfig.yaml -> COLLAB_ 前缀环境变量。
// path 为空时按默认目录查找，找不到配置文件时只使用默认值和环境变量。
func Load(path string) (*CollabConfig, error) {
	// 本地开发时加载 .env
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &CollabConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *CollabConfig) Validate() error {
	switch c.Store.Driver {
	case "memory", "bolt":
	case "mysql":
		if c.Store.DSN == "" {
			return errors.New("config: Store.dsn is required for mysql driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	switch c.Presence.Backend {
	case "memory":
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			return errors.New("config: Redis.addrs is required for redis presence backend")
		}
	default:
		return fmt.Errorf("config: unknown presence backend %q", c.Presence.Backend)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: Auth.jwtSecret is required")
	}
	return nil
}

// String 打印配置时屏蔽密钥
func (c *CollabConfig) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "port=%d store=%s presence=%s", c.Running.Port, c.Store.Driver, c.Presence.Backend)
	if len(c.Kafka.Brokers) > 0 {
		fmt.Fprintf(&sb, " kafka=%s topic=%s", strings.Join(c.Kafka.Brokers, ","), c.Kafka.Topic)
	}
	if c.Redis.Password != "" {
		sb.WriteString(" redisPassword=********")
	}
	sb.WriteString(" jwtSecret=********")
	return sb.String()
}
