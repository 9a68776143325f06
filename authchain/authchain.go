// Package authchain validates Decentraland authentication chains: a list of
// links where each link proves that the previous authority delegated to the
// next one, ending in a signature over the payload being authenticated.
package authchain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidChain is returned when the chain JSON cannot be parsed or the
// link types are not in a valid order.
var ErrInvalidChain = errors.New("invalid auth chain")

type LinkType string

const (
	Signer              LinkType = "SIGNER"
	ECDSAEphemeral      LinkType = "ECDSA_EPHEMERAL"
	ECDSASignedEntity   LinkType = "ECDSA_SIGNED_ENTITY"
	EIP1654Ephemeral    LinkType = "ECDSA_EIP_1654_EPHEMERAL"
	EIP1654SignedEntity LinkType = "ECDSA_EIP_1654_SIGNED_ENTITY"
)

const (
	ephemeralAddressPrefix   = "Ephemeral address: "
	ephemeralExpirationLabel = "Expiration: "
)

type Link struct {
	Type      LinkType `json:"type"`
	Payload   string   `json:"payload"`
	Signature string   `json:"signature"`
}

type Chain []Link

// Result is the verdict of a validation. Message carries the reason when OK
// is false; it is meant for server logs only.
type Result struct {
	OK      bool
	Message string
}

// Parse decodes the JSON form of a chain and checks its link order.
func Parse(data string) (Chain, error) {
	var chain Chain
	if err := json.Unmarshal([]byte(data), &chain); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	if err := chain.checkOrder(); err != nil {
		return nil, err
	}
	return chain, nil
}

// Owner is the address that started the chain.
func (c Chain) Owner() string {
	if len(c) == 0 || c[0].Type != Signer {
		return ""
	}
	return c[0].Payload
}

// checkOrder enforces SIGNER, then any ephemeral delegations, then exactly
// one signed entity at the end.
func (c Chain) checkOrder() error {
	if len(c) < 2 {
		return fmt.Errorf("%w: expected at least 2 links, got %d", ErrInvalidChain, len(c))
	}
	if c[0].Type != Signer {
		return fmt.Errorf("%w: first link must be %s", ErrInvalidChain, Signer)
	}
	for i, link := range c[1:] {
		last := i == len(c)-2
		switch link.Type {
		case ECDSAEphemeral, EIP1654Ephemeral:
			if last {
				return fmt.Errorf("%w: chain must end with a signed entity", ErrInvalidChain)
			}
		case ECDSASignedEntity, EIP1654SignedEntity:
			if !last {
				return fmt.Errorf("%w: signed entity must be the last link", ErrInvalidChain)
			}
		default:
			return fmt.Errorf("%w: unexpected link type %q", ErrInvalidChain, link.Type)
		}
	}
	return nil
}

// EphemeralPayload builds the message an owner signs to delegate to an
// ephemeral key.
func EphemeralPayload(ephemeralAddress string, expiration time.Time) string {
	return "Decentraland Login\n" +
		ephemeralAddressPrefix + ephemeralAddress + "\n" +
		ephemeralExpirationLabel + expiration.UTC().Format("2006-01-02T15:04:05.000Z")
}

func parseEphemeralPayload(payload string) (address string, expiration time.Time, err error) {
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, ephemeralAddressPrefix):
			address = strings.TrimSpace(strings.TrimPrefix(line, ephemeralAddressPrefix))
		case strings.HasPrefix(line, ephemeralExpirationLabel):
			expiration, err = time.Parse(time.RFC3339, strings.TrimSpace(strings.TrimPrefix(line, ephemeralExpirationLabel)))
			if err != nil {
				return "", time.Time{}, fmt.Errorf("invalid expiration: %w", err)
			}
		}
	}

	if address == "" || expiration.IsZero() {
		return "", time.Time{}, errors.New("ephemeral payload is missing the address or expiration")
	}
	return address, expiration, nil
}
