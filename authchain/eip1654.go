package authchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const isValidSignatureABI = `[{"constant":true,"inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"name":"isValidSignature","outputs":[{"name":"magicValue","type":"bytes4"}],"stateMutability":"view","type":"function"}]`

// eip1654MagicValue is bytes4(keccak256("isValidSignature(bytes32,bytes)")).
var eip1654MagicValue = []byte{0x16, 0x26, 0xba, 0x7e}

var eip1654ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(isValidSignatureABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// EncodeIsValidSignature builds the calldata of isValidSignature(hash, sig)
// for the EIP-191 hash of message.
func EncodeIsValidSignature(message string, signature []byte) ([]byte, error) {
	var hash [32]byte
	copy(hash[:], accounts.TextHash([]byte(message)))
	return eip1654ABI.Pack("isValidSignature", hash, signature)
}

func (v *Validator) checkContractSignature(ctx context.Context, contract, message, signature string) error {
	if v.caller == nil {
		return errors.New("contract wallet signatures are not supported without an RPC provider")
	}
	if !common.IsHexAddress(contract) {
		return fmt.Errorf("invalid contract address %q", contract)
	}

	check := func(ctx context.Context) (bool, error) {
		return v.callIsValidSignature(ctx, common.HexToAddress(contract), message, signature)
	}

	var (
		valid bool
		err   error
	)
	if v.cache != nil {
		key := contractCacheKey(contract, message, signature)
		valid, err = v.cache.GetOrFetch(ctx, key, v.cacheTTL, check)
	} else {
		valid, err = check(ctx)
	}
	if err != nil {
		return fmt.Errorf("contract signature check failed: %w", err)
	}
	if !valid {
		return errors.New("invalid contract signature")
	}
	return nil
}

func (v *Validator) callIsValidSignature(ctx context.Context, contract common.Address, message, signature string) (bool, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}

	data, err := EncodeIsValidSignature(message, sig)
	if err != nil {
		return false, err
	}

	out, err := v.caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return false, err
	}

	return len(out) >= 4 && bytes.Equal(out[:4], eip1654MagicValue), nil
}

func contractCacheKey(contract, message, signature string) string {
	digest := crypto.Keccak256Hash([]byte(message))
	return "eip1654:" + strings.ToLower(contract) + ":" + digest.Hex() + ":" + strings.ToLower(signature)
}
