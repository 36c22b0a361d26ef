package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
)

var (
	cfgFile      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "authmatrix",
	Short: "Role and user based authorization testing",
	Long: `authmatrix replays captured HTTP requests as every configured user and
classifies each role and user rule as Enforced, Bypassed or Unexpected.

USAGE:
  authmatrix serve                         # API, dashboard and live event stream
  authmatrix project create shop           # Create a project
  authmatrix --project <id> role add admin # Manage roles, users and templates
  authmatrix --project <id> analyze        # Replay every template as every user

CONFIGURATION:
  Flags, AUTHMATRIX_* environment variables (AUTHMATRIX_DATABASE_DSN,
  AUTHMATRIX_SECURITY_API_KEY, ...) and an optional .authmatrix.yaml in the
  working or home directory.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .authmatrix.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json)")
	rootCmd.PersistentFlags().String("project", "", "project id to operate on")
	viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	viper.BindEnv("project", "AUTHMATRIX_PROJECT")

	// Logging configuration
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	rootCmd.PersistentFlags().String("log-file", "", "also write logs to this rotating file")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("logger.file.path", rootCmd.PersistentFlags().Lookup("log-file"))

	// Database configuration
	rootCmd.PersistentFlags().String("db-driver", "postgres", "database driver (postgres, memory)")
	rootCmd.PersistentFlags().String("db-dsn", config.DefaultConfig().Database.DSN, "PostgreSQL connection string")
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindEnv("database.dsn", "AUTHMATRIX_DATABASE_DSN", "DATABASE_URL")

	// Redis configuration
	rootCmd.PersistentFlags().Bool("redis", false, "keep exchanges and publish events in Redis")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis server address")
	viper.BindPFlag("redis.enabled", rootCmd.PersistentFlags().Lookup("redis"))
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindEnv("redis.addr", "AUTHMATRIX_REDIS_ADDR", "REDIS_URL")

	// Replay transport
	rootCmd.PersistentFlags().Duration("timeout", config.DefaultConfig().Transport.Timeout, "replay request timeout")
	rootCmd.PersistentFlags().Float64("rate-limit", config.DefaultConfig().Transport.RequestsPerSecond, "replay requests per second (0 disables)")
	rootCmd.PersistentFlags().StringSlice("scope", nil, "in-scope host patterns, e.g. *.example.com")
	viper.BindPFlag("transport.timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("transport.requests_per_second", rootCmd.PersistentFlags().Lookup("rate-limit"))
	viper.BindPFlag("transport.scope", rootCmd.PersistentFlags().Lookup("scope"))

	// Secrets (environment variables only, never flags)
	viper.BindEnv("security.api_key", "AUTHMATRIX_API_KEY")
	viper.BindEnv("security.attribute_passphrase", "AUTHMATRIX_ATTRIBUTE_PASSPHRASE")

	setDefaults(config.DefaultConfig())
}

// setDefaults registers every config key with viper so AutomaticEnv can
// resolve AUTHMATRIX_SECTION_KEY for it.
func setDefaults(d *config.Config) {
	viper.SetDefault("logger.level", d.Logger.Level)
	viper.SetDefault("logger.format", d.Logger.Format)
	viper.SetDefault("logger.output_paths", d.Logger.OutputPaths)
	viper.SetDefault("logger.file.max_size_mb", d.Logger.File.MaxSizeMB)
	viper.SetDefault("logger.file.max_backups", d.Logger.File.MaxBackups)
	viper.SetDefault("logger.file.max_age_days", d.Logger.File.MaxAgeDays)
	viper.SetDefault("logger.file.compress", d.Logger.File.Compress)

	viper.SetDefault("database.driver", d.Database.Driver)
	viper.SetDefault("database.max_connections", d.Database.MaxConnections)
	viper.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	viper.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	viper.SetDefault("redis.password", d.Redis.Password)
	viper.SetDefault("redis.db", d.Redis.DB)
	viper.SetDefault("redis.max_retries", d.Redis.MaxRetries)
	viper.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	viper.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	viper.SetDefault("redis.write_timeout", d.Redis.WriteTimeout)
	viper.SetDefault("redis.exchange_ttl", d.Redis.ExchangeTTL)
	viper.SetDefault("redis.events_channel", d.Redis.EventsChannel)

	viper.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	viper.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	viper.SetDefault("telemetry.exporter_type", d.Telemetry.ExporterType)
	viper.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	viper.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)

	viper.SetDefault("security.enable_auth", d.Security.EnableAuth)
	viper.SetDefault("security.rate_limit.requests_per_second", d.Security.RateLimit.RequestsPerSecond)
	viper.SetDefault("security.rate_limit.burst_size", d.Security.RateLimit.BurstSize)

	viper.SetDefault("transport.insecure_skip_verify", d.Transport.InsecureSkipVerify)
	viper.SetDefault("transport.follow_redirects", d.Transport.FollowRedirects)
	viper.SetDefault("transport.block_private_ips", d.Transport.BlockPrivateIPs)
	viper.SetDefault("transport.burst_size", d.Transport.BurstSize)
	viper.SetDefault("transport.min_host_delay", d.Transport.MinHostDelay)

	viper.SetDefault("analysis.batch_size", d.Analysis.BatchSize)
	viper.SetDefault("analysis.request_timeout", d.Analysis.RequestTimeout)

	viper.SetDefault("import.base_url", d.Import.BaseURL)
	viper.SetDefault("import.concurrency", d.Import.Concurrency)

	viper.SetDefault("server.host", d.Server.Host)
	viper.SetDefault("server.port", d.Server.Port)
	viper.SetDefault("server.cors", d.Server.CORS)
}

// loadConfig resolves flags, environment and the optional config file.
// The API key only guards the HTTP server, so it is required by serve alone.
func loadConfig(serving bool) (*config.Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".authmatrix")
	}

	viper.SetEnvPrefix("AUTHMATRIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if !serving {
		cfg.Security.EnableAuth = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
