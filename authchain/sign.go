package authchain

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// PersonalSign signs message the way wallets implement personal_sign, with
// a 27/28 recovery byte.
func PersonalSign(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Authenticate builds the client side of a login: owner delegates to
// ephemeral until expiration, and ephemeral signs payload.
func Authenticate(owner, ephemeral *ecdsa.PrivateKey, expiration time.Time, payload string) (Chain, error) {
	ownerAddress := crypto.PubkeyToAddress(owner.PublicKey).Hex()
	ephemeralPayload := EphemeralPayload(crypto.PubkeyToAddress(ephemeral.PublicKey).Hex(), expiration)

	delegation, err := PersonalSign(owner, ephemeralPayload)
	if err != nil {
		return nil, fmt.Errorf("signing ephemeral payload: %w", err)
	}
	entity, err := PersonalSign(ephemeral, payload)
	if err != nil {
		return nil, fmt.Errorf("signing payload: %w", err)
	}

	return Chain{
		{Type: Signer, Payload: ownerAddress},
		{Type: ECDSAEphemeral, Payload: ephemeralPayload, Signature: delegation},
		{Type: ECDSASignedEntity, Payload: payload, Signature: entity},
	}, nil
}
