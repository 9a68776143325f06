// Package config loads process settings from .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DefaultEnvFiles are loaded in order when no files are given. Values
// already in the environment win, and earlier files win over later ones.
var DefaultEnvFiles = []string{".env", ".env.default"}

type Config struct {
	Host     string
	Port     int
	LogLevel string

	EthNetwork string
	RPCURL     string
	CommitHash string

	// UnreliableBufferThreshold is the queued byte count above which
	// unreliable frames to a peer are dropped.
	UnreliableBufferThreshold int

	IdentifyTimeout  time.Duration
	ChallengeTimeout time.Duration
	AuthTimeout      time.Duration
	AuthCacheTTL     time.Duration

	RedisAddr string
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads files (DefaultEnvFiles when empty), skipping the ones that do
// not exist, and then builds a Config from the environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	r := reader{}
	network := r.str("ETH_NETWORK", "goerli")

	cfg := Config{
		Host:     r.str("HTTP_SERVER_HOST", "0.0.0.0"),
		Port:     r.integer("HTTP_SERVER_PORT", 5000),
		LogLevel: r.str("LOG_LEVEL", "info"),

		EthNetwork: network,
		RPCURL:     r.str("RPC_URL", fmt.Sprintf("https://rpc.decentraland.org/%s?project=mini-comms", network)),
		CommitHash: r.str("COMMIT_HASH", "undefined"),

		UnreliableBufferThreshold: r.integer("UNRELIABLE_BUFFER_THRESHOLD", 0),

		IdentifyTimeout:  r.duration("IDENTIFY_TIMEOUT", time.Second),
		ChallengeTimeout: r.duration("CHALLENGE_TIMEOUT", time.Second),
		AuthTimeout:      r.duration("AUTH_TIMEOUT", 10*time.Second),
		AuthCacheTTL:     r.duration("AUTH_CACHE_TTL", 5*time.Minute),

		RedisAddr: r.str("REDIS_ADDR", ""),
	}

	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type reader struct {
	errs []error
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
