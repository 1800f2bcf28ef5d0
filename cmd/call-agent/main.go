package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"storylab-backend/internal/call"
	"storylab-backend/internal/changefeed"
	"storylab-backend/internal/repository/cockroach"
	"storylab-backend/internal/rtc"
	"storylab-backend/internal/rtc/pionrtc"
	callService "storylab-backend/internal/service/call"
	"storylab-backend/internal/signaling"
	"storylab-backend/pkg/config"
	"storylab-backend/pkg/database"
	"storylab-backend/pkg/logger"
	"storylab-backend/pkg/metrics"
)

var (
	signalingBackend string
	mediaTransport   string
	token            string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "call-agent",
		Short: "Headless call participant for Story Lab calls",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.InitDefault()
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&signalingBackend, "signaling", "", "Signaling backend: redis, ws or memory (default SIGNALING_BACKEND)")
	rootCmd.PersistentFlags().StringVar(&mediaTransport, "media", "", "Media transport: pion or noop (default MEDIA_TRANSPORT)")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("CALL_AGENT_TOKEN"), "Access token for the ws signaling relay")

	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(endCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func joinCmd() *cobra.Command {
	var callIDStr, userIDStr string

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a call and stay in it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			callID, userID, err := parseIDs(callIDStr, userIDStr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := setup(ctx)
			if err != nil {
				return err
			}
			defer env.close()

			transport, err := newTransport(env.cfg.Call.MediaTransport)
			if err != nil {
				return err
			}

			session := call.NewSession(env.calls, env.signaling, transport, call.Config{
				CallID:             callID,
				LocalUserID:        userID,
				ICE:                rtc.DefaultICEConfig(env.cfg.Call.STUNURL),
				BufferEarlySignals: env.cfg.Call.BufferEarlySignals,
				Metrics:            env.metrics,
			})
			session.OnStateChange(func(state call.State) {
				logger.Info("Call state changed", zap.String("state", string(state)))
			})

			if err := session.Start(ctx); err != nil {
				return fmt.Errorf("failed to join call: %w", err)
			}

			logger.Info("Joined call",
				zap.String("call_id", callID.String()),
				zap.Bool("caller", session.IsCaller()),
				zap.Int("participants", len(session.Participants())))

			<-ctx.Done()
			return session.Hangup(context.Background())
		},
	}

	cmd.Flags().StringVar(&callIDStr, "call-id", "", "Call record id")
	cmd.Flags().StringVar(&userIDStr, "user-id", "", "Local participant user id")
	cmd.MarkFlagRequired("call-id")
	cmd.MarkFlagRequired("user-id")

	return cmd
}

func endCmd() *cobra.Command {
	var callIDStr, userIDStr, roomID string

	cmd := &cobra.Command{
		Use:   "end",
		Short: "End a call, or every record of a room, as a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			callID, userID, err := parseIDs(callIDStr, userIDStr)
			if err != nil {
				return err
			}

			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			records, err := env.calls.EndAs(cmd.Context(), userID, callID, roomID)
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Printf("%s\t%s\t%s\n", r.ID, r.Status, r.RoomID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&callIDStr, "call-id", "", "Call record id")
	cmd.Flags().StringVar(&userIDStr, "user-id", "", "Acting user id")
	cmd.Flags().StringVar(&roomID, "room-id", "", "End every record sharing this room")
	cmd.MarkFlagRequired("call-id")
	cmd.MarkFlagRequired("user-id")

	return cmd
}

type agentEnv struct {
	cfg       *config.Config
	calls     *callService.Service
	signaling signaling.Bus
	metrics   *metrics.Metrics
	closers   []func()
}

func (e *agentEnv) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// setup connects the call record store and the signaling bus. Call changes
// always go over Redis so the call service can fan them out.
func setup(ctx context.Context) (*agentEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if signalingBackend != "" {
		cfg.Call.SignalingBackend = signalingBackend
	}
	if mediaTransport != "" {
		cfg.Call.MediaTransport = mediaTransport
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	env := &agentEnv{cfg: cfg, metrics: metrics.NewMetrics("call-agent")}

	db, err := database.NewCockroachDB(ctx, &database.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: 4,
		MinConns: 1,
	})
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, db.Close)

	redisDB, err := database.NewRedisDB(ctx, &database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: 4,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		env.close()
		return nil, err
	}
	env.closers = append(env.closers, func() { redisDB.Close() })

	redisBus := signaling.NewRedisBus(redisDB.Client)
	env.calls = callService.NewService(cockroach.NewCallRepository(db.Pool), changefeed.New(redisBus), env.metrics)

	switch cfg.Call.SignalingBackend {
	case config.SignalingWS:
		wsBus := signaling.NewWSBus(cfg.Call.SignalingURL, token)
		env.closers = append(env.closers, func() { wsBus.Close() })
		env.signaling = wsBus
	case config.SignalingMemory:
		memBus := signaling.NewMemoryBus()
		env.closers = append(env.closers, func() { memBus.Close() })
		env.signaling = memBus
	default:
		env.signaling = redisBus
	}

	return env, nil
}

func newTransport(kind string) (rtc.MediaTransport, error) {
	if kind == config.MediaNoop {
		return rtc.NewNoopTransport(), nil
	}
	transport, err := pionrtc.New()
	if err != nil {
		return nil, err
	}
	return transport, nil
}

func parseIDs(callIDStr, userIDStr string) (uuid.UUID, uuid.UUID, error) {
	callID, err := uuid.Parse(callIDStr)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid --call-id: %w", err)
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid --user-id: %w", err)
	}
	return callID, userID, nil
}
