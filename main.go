package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/decentraland/mini-comms/authchain"
	"github.com/decentraland/mini-comms/cacher"
	"github.com/decentraland/mini-comms/config"
	"github.com/decentraland/mini-comms/logs"
	"github.com/decentraland/mini-comms/metrics"
	"github.com/decentraland/mini-comms/protocol"
	"github.com/decentraland/mini-comms/rooms"
	"github.com/decentraland/mini-comms/server"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:          "mini-comms",
	Short:        "Websocket relay for Decentraland rooms",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "env files to load, first one wins (default .env, .env.default)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logs.New(os.Stdout, cfg.LogLevel)

	m := metrics.New()
	m.ObserveBuildInfo(cfg.CommitHash, cfg.EthNetwork)

	verifier, closeVerifier, err := newVerifier(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer closeVerifier()

	broadcaster := rooms.NewBroadcaster(logger, m, cfg.UnreliableBufferThreshold)
	registry := rooms.NewRegistry(logger, m, broadcaster)
	handler := protocol.NewHandler(logger, registry, broadcaster, m)
	handshake := protocol.NewHandshake(logger, protocol.Timeouts{
		Identify:  cfg.IdentifyTimeout,
		Challenge: cfg.ChallengeTimeout,
		Auth:      cfg.AuthTimeout,
	}, registry, handler, verifier, m)

	srv := server.New(logger, cfg.Addr(), registry, handshake, m)

	errs := make(chan error, 1)
	go func() { errs <- srv.Start() }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
	return nil
}

// newVerifier builds the auth chain validator. Contract wallet checks go
// through the RPC endpoint and are cached in Redis when configured, in
// memory otherwise.
func newVerifier(ctx context.Context, logger zerolog.Logger, cfg config.Config) (*authchain.Validator, func(), error) {
	authLogger := logs.Component(logger, "Authenticator")

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", cfg.RPCURL, err)
	}

	var (
		cache   cacher.Cacher[bool]
		closers = []func(){rpc.Close}
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		closers = append(closers, func() { _ = client.Close() })
		cache = cacher.NewRedisCacher[bool](client, logs.ServiceName+":")
		authLogger.Info().Str("addr", cfg.RedisAddr).Msg("Caching contract signatures in redis")
	} else {
		cache = cacher.NewMemoryCacher[bool](cfg.AuthCacheTTL, 2*cfg.AuthCacheTTL)
	}

	validator := authchain.NewValidator(authLogger,
		authchain.WithContractCaller(rpc),
		authchain.WithCache(cache, cfg.AuthCacheTTL),
	)

	return validator, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
