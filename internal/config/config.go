package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds the configuration for one participant session.
type Config struct {
	// Meeting
	Platform         string
	MeetingID        string
	MeetingPassword  string
	MeetingName      string
	DisplayName      string
	IntroMessage     string
	ExitMessage      string
	AdmissionTimeout time.Duration
	MeetingTimeout   time.Duration
	AloneGrace       time.Duration

	// LiveKit
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string

	// Session identity and downstream credentials
	SessionID    string
	CallID       string
	UserName     string
	AccessToken  string
	IDToken      string
	RefreshToken string

	// Audio
	SampleRate int
	Channels   int

	// Recording
	RecordingEnabled bool
	RecordingDir     string
	RecordingStore   string
	RecordingBucket  string
	RecordingPrefix  string
	AWSRegion        string

	// Transcription
	TranscribeEngine     string
	TranscribeLanguage   string
	LanguageOptions      string
	VocabularyName       string
	ContentRedaction     string
	PIIEntityTypes       string
	DeepgramURL          string
	DeepgramAPIKey       string
	TranscribeRetries    int
	TranscribeRetryDelay time.Duration

	// Event stream
	EventStreamURL string
	EventExchange  string

	// Status store
	StatusDriver       string
	StatusDSN          string
	HeartbeatInterval  time.Duration
	RemoveStatusOnExit bool

	// Process
	ShutdownTimeout time.Duration
	StatusAddr      string
	LogLevel        string
	LogFormat       string
}

// fileConfig mirrors the subset of Config that may be set from a TOML file.
type fileConfig struct {
	Platform         string `toml:"platform"`
	MeetingID        string `toml:"meeting_id"`
	MeetingName      string `toml:"meeting_name"`
	DisplayName      string `toml:"display_name"`
	IntroMessage     string `toml:"intro_message"`
	ExitMessage      string `toml:"exit_message"`
	AdmissionTimeout string `toml:"admission_timeout"`
	MeetingTimeout   string `toml:"meeting_timeout"`
	LiveKitURL       string `toml:"livekit_url"`
	SampleRate       int    `toml:"sample_rate"`
	RecordingEnabled *bool  `toml:"recording_enabled"`
	RecordingStore   string `toml:"recording_store"`
	RecordingBucket  string `toml:"recording_bucket"`
	RecordingPrefix  string `toml:"recording_prefix"`
	AWSRegion        string `toml:"aws_region"`
	TranscribeEngine string `toml:"transcribe_engine"`
	Language         string `toml:"transcribe_language"`
	LanguageOptions  string `toml:"language_options"`
	VocabularyName   string `toml:"vocabulary_name"`
	ContentRedaction string `toml:"content_redaction"`
	EventExchange    string `toml:"event_exchange"`
	StatusDriver     string `toml:"status_driver"`
	StatusAddr       string `toml:"status_addr"`
	LogLevel         string `toml:"log_level"`
	LogFormat        string `toml:"log_format"`
}

// Defaults returns a Config populated with default values only.
func Defaults() *Config {
	return &Config{
		Platform:             "livekit",
		DisplayName:          "Meeting Assistant",
		IntroMessage:         "Hello! I am the meeting assistant and will transcribe this meeting. Type PAUSE_LMA to pause, START_LMA to resume, END_LMA to remove me.",
		ExitMessage:          "The meeting assistant is leaving the meeting. Goodbye!",
		AdmissionTimeout:     5 * time.Minute,
		MeetingTimeout:       4 * time.Hour,
		AloneGrace:           30 * time.Second,
		UserName:             "virtual-participant",
		SampleRate:           16000,
		Channels:             1,
		RecordingEnabled:     true,
		RecordingDir:         os.TempDir(),
		RecordingStore:       "s3",
		RecordingPrefix:      "lca-audio-wav",
		TranscribeEngine:     "aws",
		TranscribeLanguage:   "en-US",
		DeepgramURL:          "wss://api.deepgram.com/v1/listen",
		TranscribeRetries:    5,
		TranscribeRetryDelay: 2 * time.Second,
		EventExchange:        "call-events",
		StatusDriver:         "postgres",
		HeartbeatInterval:    30 * time.Second,
		RemoveStatusOnExit:   true,
		ShutdownTimeout:      30 * time.Second,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load loads configuration from defaults, a .env file, an optional TOML file
// (VP_CONFIG_FILE) and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Defaults()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	if path := getEnv("VP_CONFIG_FILE", ""); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	setString(&cfg.Platform, fc.Platform)
	setString(&cfg.MeetingID, fc.MeetingID)
	setString(&cfg.MeetingName, fc.MeetingName)
	setString(&cfg.DisplayName, fc.DisplayName)
	setString(&cfg.IntroMessage, fc.IntroMessage)
	setString(&cfg.ExitMessage, fc.ExitMessage)
	setString(&cfg.LiveKitURL, fc.LiveKitURL)
	setString(&cfg.RecordingStore, fc.RecordingStore)
	setString(&cfg.RecordingBucket, fc.RecordingBucket)
	setString(&cfg.RecordingPrefix, fc.RecordingPrefix)
	setString(&cfg.AWSRegion, fc.AWSRegion)
	setString(&cfg.TranscribeEngine, fc.TranscribeEngine)
	setString(&cfg.TranscribeLanguage, fc.Language)
	setString(&cfg.LanguageOptions, fc.LanguageOptions)
	setString(&cfg.VocabularyName, fc.VocabularyName)
	setString(&cfg.ContentRedaction, fc.ContentRedaction)
	setString(&cfg.EventExchange, fc.EventExchange)
	setString(&cfg.StatusDriver, fc.StatusDriver)
	setString(&cfg.StatusAddr, fc.StatusAddr)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)

	if fc.SampleRate > 0 {
		cfg.SampleRate = fc.SampleRate
	}
	if fc.RecordingEnabled != nil {
		cfg.RecordingEnabled = *fc.RecordingEnabled
	}
	if fc.AdmissionTimeout != "" {
		d, err := time.ParseDuration(fc.AdmissionTimeout)
		if err != nil {
			return fmt.Errorf("invalid admission_timeout: %w", err)
		}
		cfg.AdmissionTimeout = d
	}
	if fc.MeetingTimeout != "" {
		d, err := time.ParseDuration(fc.MeetingTimeout)
		if err != nil {
			return fmt.Errorf("invalid meeting_timeout: %w", err)
		}
		cfg.MeetingTimeout = d
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Platform = getEnv("MEETING_PLATFORM", cfg.Platform)
	cfg.MeetingID = getEnv("MEETING_ID", cfg.MeetingID)
	cfg.MeetingPassword = getEnv("MEETING_PASSWORD", cfg.MeetingPassword)
	cfg.MeetingName = getEnv("MEETING_NAME", cfg.MeetingName)
	cfg.DisplayName = getEnv("DISPLAY_NAME", cfg.DisplayName)
	cfg.IntroMessage = getEnv("INTRO_MESSAGE", cfg.IntroMessage)
	cfg.ExitMessage = getEnv("EXIT_MESSAGE", cfg.ExitMessage)

	cfg.LiveKitURL = getEnv("LIVEKIT_URL", cfg.LiveKitURL)
	cfg.LiveKitAPIKey = getEnv("LIVEKIT_API_KEY", cfg.LiveKitAPIKey)
	cfg.LiveKitAPISecret = getEnv("LIVEKIT_API_SECRET", cfg.LiveKitAPISecret)

	cfg.SessionID = getEnv("SESSION_ID", cfg.SessionID)
	cfg.CallID = getEnv("CALL_ID", cfg.CallID)
	cfg.UserName = getEnv("USER_NAME", cfg.UserName)
	cfg.AccessToken = getEnv("ACCESS_TOKEN", cfg.AccessToken)
	cfg.IDToken = getEnv("ID_TOKEN", cfg.IDToken)
	cfg.RefreshToken = getEnv("REFRESH_TOKEN", cfg.RefreshToken)

	cfg.RecordingDir = getEnv("RECORDING_DIR", cfg.RecordingDir)
	cfg.RecordingStore = getEnv("RECORDING_STORE", cfg.RecordingStore)
	cfg.RecordingBucket = getEnv("RECORDING_BUCKET", cfg.RecordingBucket)
	cfg.RecordingPrefix = getEnv("RECORDING_PREFIX", cfg.RecordingPrefix)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)

	cfg.TranscribeEngine = getEnv("TRANSCRIBE_ENGINE", cfg.TranscribeEngine)
	cfg.TranscribeLanguage = getEnv("TRANSCRIBE_LANGUAGE", cfg.TranscribeLanguage)
	cfg.LanguageOptions = getEnv("LANGUAGE_OPTIONS", cfg.LanguageOptions)
	cfg.VocabularyName = getEnv("CUSTOM_VOCABULARY_NAME", cfg.VocabularyName)
	cfg.ContentRedaction = getEnv("CONTENT_REDACTION_TYPE", cfg.ContentRedaction)
	cfg.PIIEntityTypes = getEnv("PII_ENTITY_TYPES", cfg.PIIEntityTypes)
	cfg.DeepgramURL = getEnv("DEEPGRAM_URL", cfg.DeepgramURL)
	cfg.DeepgramAPIKey = getEnv("DEEPGRAM_API_KEY", cfg.DeepgramAPIKey)

	cfg.EventStreamURL = getEnv("EVENT_STREAM_URL", cfg.EventStreamURL)
	cfg.EventExchange = getEnv("EVENT_EXCHANGE", cfg.EventExchange)

	cfg.StatusDriver = getEnv("STATUS_DRIVER", cfg.StatusDriver)
	cfg.StatusDSN = getEnv("STATUS_DSN", cfg.StatusDSN)

	cfg.StatusAddr = getEnv("STATUS_ADDR", cfg.StatusAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ADMISSION_TIMEOUT", &cfg.AdmissionTimeout},
		{"MEETING_TIMEOUT", &cfg.MeetingTimeout},
		{"ALONE_GRACE", &cfg.AloneGrace},
		{"TRANSCRIBE_RETRY_DELAY", &cfg.TranscribeRetryDelay},
		{"HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if v := getEnv(d.key, ""); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SAMPLE_RATE", &cfg.SampleRate},
		{"AUDIO_CHANNELS", &cfg.Channels},
		{"TRANSCRIBE_RETRIES", &cfg.TranscribeRetries},
	}
	for _, i := range ints {
		if v := getEnv(i.key, ""); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid %s: %q", i.key, v)
			}
			*i.dst = n
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"RECORDING_ENABLED", &cfg.RecordingEnabled},
		{"REMOVE_STATUS_ON_EXIT", &cfg.RemoveStatusOnExit},
	}
	for _, b := range bools {
		if v := getEnv(b.key, ""); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", b.key, err)
			}
			*b.dst = parsed
		}
	}

	return nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.MeetingID == "" {
		return fmt.Errorf("MEETING_ID is required")
	}
	switch c.Platform {
	case "livekit":
		if c.LiveKitURL == "" {
			return fmt.Errorf("LIVEKIT_URL is required")
		}
		if c.MeetingPassword == "" && (c.LiveKitAPIKey == "" || c.LiveKitAPISecret == "") {
			return fmt.Errorf("LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required when no MEETING_PASSWORD token is given")
		}
	default:
		return fmt.Errorf("invalid platform: %s (must be livekit)", c.Platform)
	}
	switch c.TranscribeEngine {
	case "aws":
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram engine")
		}
	default:
		return fmt.Errorf("invalid transcribe engine: %s (must be aws or deepgram)", c.TranscribeEngine)
	}
	if c.RecordingEnabled {
		switch c.RecordingStore {
		case "s3":
			if c.RecordingBucket == "" {
				return fmt.Errorf("RECORDING_BUCKET is required for the s3 recording store")
			}
		case "local":
			if c.RecordingBucket == "" {
				return fmt.Errorf("RECORDING_BUCKET must name a directory for the local recording store")
			}
		default:
			return fmt.Errorf("invalid recording store: %s (must be s3 or local)", c.RecordingStore)
		}
	}
	if c.SampleRate != 8000 && c.SampleRate != 16000 && c.SampleRate != 24000 && c.SampleRate != 48000 {
		return fmt.Errorf("invalid sample rate: %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("invalid channel count: %d", c.Channels)
	}
	if c.StatusDSN != "" && c.StatusDriver != "postgres" && c.StatusDriver != "sqlite3" {
		return fmt.Errorf("invalid status driver: %s (must be postgres or sqlite3)", c.StatusDriver)
	}
	return nil
}

// IdentifyLanguage reports whether the recognizer should auto-detect the language.
func (c *Config) IdentifyLanguage() bool {
	return strings.EqualFold(c.TranscribeLanguage, "identify-language")
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
