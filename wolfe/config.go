//nolint:lll // struct tags can't be split
package wolfe

import (
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "WOLFE_ENV_PREFIX"
	DefaultEnvPrefix   = "WOLFE"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "wolfe.sqlite3"
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultOutboundLimit     = 1900
	DefaultChunkDelay        = 750 * time.Millisecond
	DefaultTypingInterval    = 8 * time.Second

	DefaultBackendLogLevel     = slog.LevelInfo
	DefaultBackendTimeout      = 4 * time.Minute
	DefaultBackendMaxTokens    = 1024
	DefaultBackendTemperature  = 0.7
	DefaultBackendMaxPerSecond = 1

	DefaultAttachmentTimeout  = 15 * time.Second
	DefaultAttachmentMaxBytes = 8 << 20

	DefaultGuardHistorySize      = 12
	DefaultGuardContextMessages  = 6
	DefaultGuardHistoryRetention = 30 * time.Minute
	DefaultGuardBotReplyCap      = 3

	DefaultHeartbeatPause = 30 * time.Second

	DefaultAPIListen          = "127.0.0.1:5000"
	DefaultAPILogLevel        = slog.LevelInfo
	defaultListenNetwork      = "tcp"
	DefaultReadTimeout        = 5 * time.Second
	DefaultReadHeaderTimeout  = 5 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultIdleTimeout        = 30 * time.Second
	DefaultTimestampTimeZone  = "UTC"
	DefaultEmptyReplyNotice   = "(I started to answer, then forgot what I was going to say.)"
	DefaultUnauthorizedDM     = "Sorry, I can only chat with my authorized user in DMs."
	DefaultTimeoutMessage     = "That took too long and I gave up waiting. Try again?"
	DefaultConnectionMessage  = "I couldn't reach my brain just now. It may be offline."
	DefaultGenericErrMessage  = "Something went wrong on my end. Sorry about that."
	DefaultDiscordStartupNote = "I'm awake."

	discordMaxMessageLength = 2000

	DefaultGatewayIntents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
)

// Config is the top-level application configuration. Values are
// populated from environment variables (via viper in cmd) with the
// defaults below; there is no config file surface beyond .env.
type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds bot initialization. If it elapses before the
	// gateway session opens, startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the grace period allowed for in-flight sends
	// and log flushes before connections are force-closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Database connection string (filename for sqlite, DSN for postgres)
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the bot connection and delivery behavior
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Backend configures the chat/completion backend
	Backend *BackendConfig `yaml:"backend" mapstructure:"backend" json:"backend"`

	// Guard configures the conversation-loop guard
	Guard *GuardConfig `yaml:"guard" mapstructure:"guard" json:"guard"`

	// Heartbeat configures the autonomous heartbeat scheduler
	Heartbeat *HeartbeatConfig `yaml:"heartbeat" mapstructure:"heartbeat" json:"heartbeat"`

	// API configures the status/diagnostics HTTP server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// ChannelID, when set, restricts which guild channel the bot
	// listens on. Empty means all channels the bot can see.
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`

	// AuthorizedUserID is the single user allowed to DM the bot. Empty
	// disables the allow-list (all DMs accepted, subject to policy).
	AuthorizedUserID string `yaml:"authorized_user_id" mapstructure:"authorized_user_id" json:"authorized_user_id"`

	// HeartbeatChannelID is the dedicated channel for heartbeat output.
	// Falls back to ChannelID when empty.
	HeartbeatChannelID string `yaml:"heartbeat_channel_id" mapstructure:"heartbeat_channel_id" json:"heartbeat_channel_id"`

	// RespondToDMs enables responses to direct messages
	RespondToDMs bool `yaml:"respond_to_dms" mapstructure:"respond_to_dms" json:"respond_to_dms"`

	// RespondToMentions enables responses when the bot is @mentioned or replied to
	RespondToMentions bool `yaml:"respond_to_mentions" mapstructure:"respond_to_mentions" json:"respond_to_mentions"`

	// RespondToBots allows replying to other bots (bounded by the loop guard)
	RespondToBots bool `yaml:"respond_to_bots" mapstructure:"respond_to_bots" json:"respond_to_bots"`

	// RespondToGeneric enables responses to un-mentioned channel chatter
	RespondToGeneric bool `yaml:"respond_to_generic" mapstructure:"respond_to_generic" json:"respond_to_generic"`

	// EnableAutonomous switches the loop guard from the legacy
	// bot-filter policy to the full autonomous decision engine
	EnableAutonomous bool `yaml:"enable_autonomous" mapstructure:"enable_autonomous" json:"enable_autonomous"`

	// SurfaceErrors controls whether transport failures produce a short
	// classified message, or silence
	SurfaceErrors bool `yaml:"surface_errors" mapstructure:"surface_errors" json:"surface_errors"`

	// UseSenderPrefix prepends sender/channel metadata to outbound requests
	UseSenderPrefix bool `yaml:"use_sender_prefix" mapstructure:"use_sender_prefix" json:"use_sender_prefix"`

	// Timezone used for timestamp annotations (IANA name)
	Timezone string `yaml:"timezone" mapstructure:"timezone" json:"timezone"`

	// OutboundLimit is the maximum length of a single discord message
	OutboundLimit int `yaml:"outbound_limit" mapstructure:"outbound_limit" json:"outbound_limit" binding:"min=1"`

	// ChunkDelay is the pause between consecutive chunk sends
	ChunkDelay time.Duration `yaml:"chunk_delay" mapstructure:"chunk_delay" json:"chunk_delay"`

	// TypingInterval is how often the typing indicator is refreshed
	// while a backend call is in flight
	TypingInterval time.Duration `yaml:"typing_interval" mapstructure:"typing_interval" json:"typing_interval"`

	// StartupMessage is sent to ChannelID when the gateway connects,
	// if both are set
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`
}

// Location resolves the configured timezone, falling back to UTC when
// the name is empty or unknown.
func (c *DiscordConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BackendConfig configures the chat/completion backend integration.
//
//nolint:lll // can't break tags
type BackendConfig struct {
	// BaseURL of the backend, e.g. "http://127.0.0.1:3001"
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// Token, if set, is sent as a bearer token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// SessionID identifies the conversation session on the backend
	SessionID string `yaml:"session_id" mapstructure:"session_id" json:"session_id"`

	// MaxTokens caps the model response length
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=1"`

	// Temperature for model sampling
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`

	// Timeout for a single chat call. Model responses are slow; this
	// is expected to be minutes, not seconds.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	// MaxRequestsPerSecond limits outbound backend calls
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// AttachmentTimeout bounds a single attachment download
	AttachmentTimeout time.Duration `yaml:"attachment_timeout" mapstructure:"attachment_timeout" json:"attachment_timeout"`

	// AttachmentMaxBytes is the hard cap on a single attachment download
	AttachmentMaxBytes int64 `yaml:"attachment_max_bytes" mapstructure:"attachment_max_bytes" json:"attachment_max_bytes"`

	// WhisperToken is the OpenAI API token used for voice-note
	// transcription. Empty disables transcription.
	WhisperToken string `yaml:"whisper_token" mapstructure:"whisper_token" json:"whisper_token" log:"[redacted]"`

	// Backend base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// GuardConfig configures the conversation-loop guard.
type GuardConfig struct {
	// HistorySize is the max number of messages retained per channel
	HistorySize int `yaml:"history_size" mapstructure:"history_size" json:"history_size" binding:"min=1"`

	// ContextMessages is how many recent messages are summarized into
	// the carried-over context for channel responses
	ContextMessages int `yaml:"context_messages" mapstructure:"context_messages" json:"context_messages"`

	// HistoryRetention evicts rolling-history entries older than this
	HistoryRetention time.Duration `yaml:"history_retention" mapstructure:"history_retention" json:"history_retention"`

	// BotReplyCap bounds consecutive bot-to-bot replies in a channel
	BotReplyCap int `yaml:"bot_reply_cap" mapstructure:"bot_reply_cap" json:"bot_reply_cap" binding:"min=1"`
}

// HeartbeatConfig configures the autonomous heartbeat scheduler.
type HeartbeatConfig struct {
	// Enabled turns the scheduler on
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Pause is the fixed delay between the end of one cycle and the
	// start of the next wait, regardless of outcome
	Pause time.Duration `yaml:"pause" mapstructure:"pause" json:"pause"`
}

// APIConfig configures the status/diagnostics HTTP server.
//
//nolint:lll // can't break tags
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"hostname_port"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	backendLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	backendLogLevel.Set(DefaultBackendLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Database:              DefaultDatabase,
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		Discord: &DiscordConfig{
			RespondToDMs:      true,
			RespondToMentions: true,
			Timezone:          DefaultTimestampTimeZone,
			OutboundLimit:     DefaultOutboundLimit,
			ChunkDelay:        DefaultChunkDelay,
			TypingInterval:    DefaultTypingInterval,
			StartupMessage:    DefaultDiscordStartupNote,
			GatewayIntents:    DefaultGatewayIntents,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Backend: &BackendConfig{
			MaxTokens:            DefaultBackendMaxTokens,
			Temperature:          DefaultBackendTemperature,
			Timeout:              DefaultBackendTimeout,
			MaxRequestsPerSecond: DefaultBackendMaxPerSecond,
			AttachmentTimeout:    DefaultAttachmentTimeout,
			AttachmentMaxBytes:   DefaultAttachmentMaxBytes,
			LogLevel:             backendLogLevel,
		},
		Guard: &GuardConfig{
			HistorySize:      DefaultGuardHistorySize,
			ContextMessages:  DefaultGuardContextMessages,
			HistoryRetention: DefaultGuardHistoryRetention,
			BotReplyCap:      DefaultGuardBotReplyCap,
		},
		Heartbeat: &HeartbeatConfig{
			Pause: DefaultHeartbeatPause,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
