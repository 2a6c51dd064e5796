package jobq

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoadConnectionParams reads a ConnectionParams from the environment (and
// an optional .env file) using Viper, the same configuration layer the
// retrieval pack's worker service uses. prefix namespaces the environment
// variable names so multiple ConnectionParams can coexist in one process,
// e.g. prefix "JOBQ" recognizes JOBQ_HOST, JOBQ_PORT, JOBQ_USERNAME,
// JOBQ_PASSWORD, JOBQ_VHOST, JOBQ_POOL_SIZE, JOBQ_PREFETCH,
// JOBQ_MAX_RETRIES, JOBQ_RETRY_DELAY_MS and JOBQ_HEARTBEAT_SECONDS.
func LoadConnectionParams(prefix string) (ConnectionParams, error) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("host", "localhost")
	v.SetDefault("port", 5672)
	v.SetDefault("username", "guest")
	v.SetDefault("password", "guest")
	v.SetDefault("vhost", "/")
	v.SetDefault("pool_size", DefaultPoolSize)
	v.SetDefault("prefetch", DefaultPrefetch)
	v.SetDefault("max_retries", DefaultMaxRetries)
	v.SetDefault("retry_delay_ms", DefaultRetryDelay.Milliseconds())
	v.SetDefault("heartbeat_seconds", 10)
	v.SetDefault("frame_size", DefaultFrameSize)

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ConnectionParams{}, err
		}
	}

	params := ConnectionParams{
		Host:       v.GetString("host"),
		Port:       v.GetInt("port"),
		Username:   v.GetString("username"),
		Password:   v.GetString("password"),
		VHost:      v.GetString("vhost"),
		PoolSize:   v.GetInt("pool_size"),
		Prefetch:   v.GetInt("prefetch"),
		MaxRetries: v.GetInt("max_retries"),
		RetryDelay: time.Duration(v.GetInt64("retry_delay_ms")) * time.Millisecond,
		Heartbeat:  time.Duration(v.GetInt("heartbeat_seconds")) * time.Second,
		FrameSize:  v.GetInt("frame_size"),
	}

	return params.withDefaults(), nil
}
