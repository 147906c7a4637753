package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
		// 为空时允许所有来源
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"running"`
	Collab struct {
		IdleTTL           time.Duration `mapstructure:"idleTTL"`
		HistoryCapacity   int           `mapstructure:"historyCapacity"`
		NotifyTimeout     time.Duration `mapstructure:"notifyTimeout"`
		NotifyConcurrency int           `mapstructure:"notifyConcurrency"`
		AutoMerge         bool          `mapstructure:"autoMerge"`
		WSConcurrency     int           `mapstructure:"wsConcurrency"`
	} `mapstructure:"collab"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Dispatcher struct {
		QueueSize      int           `mapstructure:"queueSize"`
		Workers        int           `mapstructure:"workers"`
		MaxRetry       int           `mapstructure:"maxRetry"`
		BaseBackoff    time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
		EnqueueTimeout time.Duration `mapstructure:"enqueueTimeout"`
	} `mapstructure:"dispatcher"`
	Auth struct {
		// "" 不鉴权；"jwt" 本地校验；"remote" 调用 auth-service /v1/auth/verify
		Mode      string `mapstructure:"mode"`
		JWTSecret string `mapstructure:"jwtSecret"`
		Path      string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.shutdownTimeout", 10*time.Second)
	v.SetDefault("running.allowOrigins", []string{})
	v.SetDefault("collab.idleTTL", 15*time.Minute)
	v.SetDefault("collab.historyCapacity", 1000)
	v.SetDefault("collab.notifyTimeout", 2*time.Second)
	v.SetDefault("collab.notifyConcurrency", 100)
	v.SetDefault("collab.autoMerge", false)
	v.SetDefault("collab.wsConcurrency", 100)
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "collab.commits")
	//  Go 允许在数字里用下划线做分隔符，方便阅读
	v.SetDefault("dispatcher.queueSize", 10_000)
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.maxRetry", 3)
	v.SetDefault("dispatcher.baseBackoff", 50*time.Millisecond)
	v.SetDefault("dispatcher.maxBackoff", time.Second)
	v.SetDefault("dispatcher.enqueueTimeout", 0)
	v.SetDefault("auth.mode", "")
	v.SetDefault("auth.jwtSecret", "dev-secret")
	v.SetDefault("auth.path", "http://localhost:3001")
	v.SetDefault("log.level", "info")
}

// Load reads collabConfig.yaml from the usual places, then applies COLLAB_*
// environment overrides (COLLAB_RUNNING_PORT, COLLAB_COLLAB_IDLETTL, ...). A
// missing file is fine; the defaults stand.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
