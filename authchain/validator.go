package authchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/decentraland/mini-comms/cacher"
)

// Validator checks auth chains. ECDSA links are verified locally; EIP-1654
// links need a contract caller (an *ethclient.Client in production).
type Validator struct {
	caller   ethereum.ContractCaller
	cache    cacher.Cacher[bool]
	cacheTTL time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

type Option func(*Validator)

// WithContractCaller enables EIP-1654 links.
func WithContractCaller(caller ethereum.ContractCaller) Option {
	return func(v *Validator) { v.caller = caller }
}

// WithCache stores contract signature checks for ttl.
func WithCache(c cacher.Cacher[bool], ttl time.Duration) Option {
	return func(v *Validator) {
		v.cache = c
		v.cacheTTL = ttl
	}
}

// WithClock overrides the clock used for ephemeral expiration.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

func NewValidator(logger zerolog.Logger, opts ...Option) *Validator {
	v := &Validator{
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate walks the chain and checks that its final authority is
// expectedFinalAuthority (the challenge the server handed out).
func (v *Validator) Validate(ctx context.Context, expectedFinalAuthority string, chain Chain) Result {
	if err := chain.checkOrder(); err != nil {
		return Result{Message: err.Error()}
	}

	authority := ""
	for i, link := range chain {
		next, err := v.validateLink(ctx, authority, link)
		if err != nil {
			v.logger.Debug().Int("link", i).Str("type", string(link.Type)).Err(err).Msg("Auth link rejected")
			return Result{Message: fmt.Sprintf("ERROR. Link %d (%s): %v", i, link.Type, err)}
		}
		authority = next
	}

	if authority != expectedFinalAuthority {
		return Result{Message: fmt.Sprintf("ERROR: Invalid final authority. Expected: %s. Current %s.", expectedFinalAuthority, authority)}
	}

	return Result{OK: true}
}

func (v *Validator) validateLink(ctx context.Context, authority string, link Link) (string, error) {
	switch link.Type {
	case Signer:
		return link.Payload, nil

	case ECDSAEphemeral:
		if err := checkPersonalSignature(authority, link.Payload, link.Signature); err != nil {
			return "", err
		}
		return v.ephemeralAuthority(link.Payload)

	case ECDSASignedEntity:
		if err := checkPersonalSignature(authority, link.Payload, link.Signature); err != nil {
			return "", err
		}
		return link.Payload, nil

	case EIP1654Ephemeral:
		if err := v.checkContractSignature(ctx, authority, link.Payload, link.Signature); err != nil {
			return "", err
		}
		return v.ephemeralAuthority(link.Payload)

	case EIP1654SignedEntity:
		if err := v.checkContractSignature(ctx, authority, link.Payload, link.Signature); err != nil {
			return "", err
		}
		return link.Payload, nil
	}

	return "", fmt.Errorf("unsupported link type %q", link.Type)
}

func (v *Validator) ephemeralAuthority(payload string) (string, error) {
	ephemeral, expiration, err := parseEphemeralPayload(payload)
	if err != nil {
		return "", err
	}
	if !expiration.After(v.now()) {
		return "", fmt.Errorf("ephemeral key expired at %s", expiration.Format(time.RFC3339))
	}
	return ephemeral, nil
}

// RecoverPersonalSigner returns the address that produced an EIP-191
// personal_sign signature over message.
func RecoverPersonalSigner(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("invalid signature length %d", len(sig))
	}

	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("cannot recover signer: %w", err)
	}

	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func checkPersonalSignature(authority, message, signature string) error {
	signer, err := RecoverPersonalSigner(message, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(signer, authority) {
		return errors.New("invalid signer address")
	}
	return nil
}
