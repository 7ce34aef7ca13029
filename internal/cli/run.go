package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LastBotInc/virtual-participant/internal/config"
	"github.com/LastBotInc/virtual-participant/internal/controller"
	"github.com/LastBotInc/virtual-participant/internal/events"
	"github.com/LastBotInc/virtual-participant/internal/logging"
	"github.com/LastBotInc/virtual-participant/internal/platform"
	"github.com/LastBotInc/virtual-participant/internal/platform/livekit"
	"github.com/LastBotInc/virtual-participant/internal/recording"
	"github.com/LastBotInc/virtual-participant/internal/server"
	"github.com/LastBotInc/virtual-participant/internal/status"
	"github.com/LastBotInc/virtual-participant/internal/transcribe"
	"github.com/LastBotInc/virtual-participant/internal/version"
)

func NewRunCmd(deps *Dependencies) *cobra.Command {
	cfg := deps.Config

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Attend one meeting until it ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			logging.Init(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.MeetingID, "meeting-id", cfg.MeetingID, "Meeting (room) to join")
	f.StringVar(&cfg.MeetingName, "meeting-name", cfg.MeetingName, "Human readable meeting name")
	f.StringVar(&cfg.DisplayName, "display-name", cfg.DisplayName, "Name shown to other participants")
	f.StringVar(&cfg.SessionID, "session-id", cfg.SessionID, "Session id (generated when empty)")
	f.StringVar(&cfg.CallID, "call-id", cfg.CallID, "Call id used in events (derived from the meeting name when empty)")
	f.StringVar(&cfg.LiveKitURL, "livekit-url", cfg.LiveKitURL, "LiveKit server URL")
	f.StringVar(&cfg.TranscribeEngine, "engine", cfg.TranscribeEngine, "Speech recognizer: aws or deepgram")
	f.StringVar(&cfg.TranscribeLanguage, "language", cfg.TranscribeLanguage, "Recognition language or identify-language")
	f.BoolVar(&cfg.RecordingEnabled, "record", cfg.RecordingEnabled, "Upload a recording when the meeting ends")
	f.StringVar(&cfg.RecordingStore, "recording-store", cfg.RecordingStore, "Recording store: s3 or local")
	f.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "Listen address of the status HTTP server (disabled when empty)")
	f.DurationVar(&cfg.MeetingTimeout, "meeting-timeout", cfg.MeetingTimeout, "Maximum meeting duration")
	f.DurationVar(&cfg.AdmissionTimeout, "admission-timeout", cfg.AdmissionTimeout, "How long to wait to be admitted")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.Info(logging.CategoryApp, "starting %s", version.Full())

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}

	uploader, err := buildUploader(ctx, cfg)
	if err != nil {
		return err
	}

	var sink events.Sink
	if cfg.EventStreamURL != "" {
		amqpSink, err := events.NewAMQPSink(cfg.EventStreamURL, cfg.EventExchange)
		if err != nil {
			// events are best effort; the meeting is still attended
			logging.Error(logging.CategoryApp, "event stream unavailable: %v", err)
		} else {
			sink = amqpSink
		}
	}

	ctrl := controller.New(cfg, controller.Deps{
		Adapter:  buildAdapter(cfg),
		Engine:   engine,
		Store:    store,
		Sink:     sink,
		Uploader: uploader,
	})

	if cfg.StatusAddr != "" {
		srv := server.Start(cfg.StatusAddr, ctrl)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	runErr := ctrl.Run(ctx)

	if cfg.RemoveStatusOnExit {
		ctrl.Status().Remove(ctx)
	}
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config) (status.Store, error) {
	if cfg.StatusDSN == "" {
		logging.Warning(logging.CategoryApp, "no status store configured, status is kept in memory only")
		return status.NopStore{}, nil
	}
	store, err := status.OpenSQLStore(ctx, cfg.StatusDriver, cfg.StatusDSN)
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}
	return store, nil
}

func buildEngine(ctx context.Context, cfg *config.Config) (transcribe.Engine, error) {
	switch cfg.TranscribeEngine {
	case "deepgram":
		return &transcribe.DeepgramEngine{URL: cfg.DeepgramURL, APIKey: cfg.DeepgramAPIKey}, nil
	case "aws":
		engine, err := transcribe.NewAWSEngine(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("create aws transcribe engine: %w", err)
		}
		return engine, nil
	}
	return nil, fmt.Errorf("unknown transcribe engine %q", cfg.TranscribeEngine)
}

func buildUploader(ctx context.Context, cfg *config.Config) (recording.Uploader, error) {
	if !cfg.RecordingEnabled {
		return nil, nil
	}
	switch cfg.RecordingStore {
	case "local":
		if err := os.MkdirAll(cfg.RecordingBucket, 0o755); err != nil {
			return nil, fmt.Errorf("create recording directory: %w", err)
		}
		return recording.LocalUploader{Dir: cfg.RecordingBucket}, nil
	case "s3":
		uploader, err := recording.NewS3Uploader(ctx, cfg.AWSRegion, cfg.RecordingBucket)
		if err != nil {
			return nil, fmt.Errorf("create s3 uploader: %w", err)
		}
		return uploader, nil
	}
	return nil, fmt.Errorf("unknown recording store %q", cfg.RecordingStore)
}

func buildAdapter(cfg *config.Config) platform.Adapter {
	return livekit.New(livekit.Config{
		URL:              cfg.LiveKitURL,
		APIKey:           cfg.LiveKitAPIKey,
		APISecret:        cfg.LiveKitAPISecret,
		Room:             cfg.MeetingID,
		Token:            cfg.MeetingPassword,
		Identity:         livekit.AgentPrefix + cfg.UserName,
		DisplayName:      cfg.DisplayName,
		IntroMessage:     cfg.IntroMessage,
		AdmissionTimeout: cfg.AdmissionTimeout,
		AloneGrace:       cfg.AloneGrace,
		SampleRate:       cfg.SampleRate,
		Channels:         cfg.Channels,
	})
}
