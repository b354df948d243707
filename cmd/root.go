package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/clotho2/wolfe/wolfe"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = wolfe.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "wolfe [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("log_level", wolfe.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", wolfe.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", wolfe.DefaultShutdownTimeout)

	viper.SetDefault("database", wolfe.DefaultDatabase)
	viper.SetDefault("database_type", wolfe.DefaultDatabaseType)
	viper.SetDefault("database_log_level", wolfe.DefaultDatabaseLogLevel.String())
	viper.SetDefault(
		"database_slow_threshold",
		wolfe.DefaultDatabaseSlowThreshold,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.channel_id", "")
	viper.SetDefault("discord.authorized_user_id", "")
	viper.SetDefault("discord.heartbeat_channel_id", "")
	viper.SetDefault("discord.respond_to_dms", true)
	viper.SetDefault("discord.respond_to_mentions", true)
	viper.SetDefault("discord.respond_to_bots", false)
	viper.SetDefault("discord.respond_to_generic", false)
	viper.SetDefault("discord.enable_autonomous", true)
	viper.SetDefault("discord.surface_errors", true)
	viper.SetDefault("discord.use_sender_prefix", true)
	viper.SetDefault("discord.timezone", wolfe.DefaultTimestampTimeZone)
	viper.SetDefault("discord.outbound_limit", wolfe.DefaultOutboundLimit)
	viper.SetDefault("discord.chunk_delay", wolfe.DefaultChunkDelay)
	viper.SetDefault("discord.typing_interval", wolfe.DefaultTypingInterval)
	viper.SetDefault("discord.startup_message", wolfe.DefaultDiscordStartupNote)
	viper.SetDefault("discord.log_level", wolfe.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		wolfe.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", wolfe.DefaultGatewayIntents)

	// Backend config
	viper.SetDefault("backend.base_url", "http://127.0.0.1:3001")
	viper.SetDefault("backend.token", "")
	viper.SetDefault("backend.session_id", "")
	viper.SetDefault("backend.max_tokens", wolfe.DefaultBackendMaxTokens)
	viper.SetDefault("backend.temperature", wolfe.DefaultBackendTemperature)
	viper.SetDefault("backend.timeout", wolfe.DefaultBackendTimeout)
	viper.SetDefault(
		"backend.max_requests_per_second",
		wolfe.DefaultBackendMaxPerSecond,
	)
	viper.SetDefault("backend.attachment_timeout", wolfe.DefaultAttachmentTimeout)
	viper.SetDefault("backend.attachment_max_bytes", wolfe.DefaultAttachmentMaxBytes)
	viper.SetDefault("backend.whisper_token", "")
	viper.SetDefault("backend.log_level", wolfe.DefaultBackendLogLevel.String())

	// Guard config
	viper.SetDefault("guard.history_size", wolfe.DefaultGuardHistorySize)
	viper.SetDefault("guard.context_messages", wolfe.DefaultGuardContextMessages)
	viper.SetDefault("guard.history_retention", wolfe.DefaultGuardHistoryRetention)
	viper.SetDefault("guard.bot_reply_cap", wolfe.DefaultGuardBotReplyCap)

	// Heartbeat config
	viper.SetDefault("heartbeat.enabled", false)
	viper.SetDefault("heartbeat.pause", wolfe.DefaultHeartbeatPause)

	// API config
	viper.SetDefault("api.listen", wolfe.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", wolfe.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", wolfe.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", wolfe.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", wolfe.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", wolfe.DefaultIdleTimeout)

	envPrefix := os.Getenv(wolfe.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = wolfe.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"backend.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
