package nitrolite

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	signatureLength  = 65
	recoveryIDOffset = 64
	// ecrecoverVOffset is subtracted from/added to byte 64 to move between
	// the wire format (27/28, compatible with the ecrecover precompile) and
	// go-ethereum's crypto package, which expects a raw 0/1 recovery ID.
	ecrecoverVOffset = 27
)

// Signature is a 65-byte ECDSA signature (r, s, v), hex-encoded on the wire.
type Signature []byte

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexutil.Encode(s))
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	var hexStr string
	if err := json.Unmarshal(data, &hexStr); err != nil {
		return err
	}
	decoded, err := hexutil.Decode(hexStr)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

func (s Signature) String() string {
	return hexutil.Encode(s)
}

// SignaturesToStrings hex-encodes a batch of signatures, e.g. for wire
// serialization of a multi-party co-signed state.
func SignaturesToStrings(signatures []Signature) []string {
	strs := make([]string, len(signatures))
	for i, sig := range signatures {
		strs[i] = sig.String()
	}
	return strs
}

// SignaturesFromStrings is the inverse of SignaturesToStrings.
func SignaturesFromStrings(strs []string) ([]Signature, error) {
	signatures := make([]Signature, len(strs))
	for i, str := range strs {
		sig, err := hexutil.Decode(str)
		if err != nil {
			return nil, fmt.Errorf("failed to decode signature %d (%s): %w", i, str, err)
		}
		signatures[i] = sig
	}
	return signatures, nil
}

// Sign Keccak256-hashes data and signs it with privateKey, normalizing the
// recovery byte to the precompile-compatible 27/28 range.
func Sign(data []byte, privateKey *ecdsa.PrivateKey) (Signature, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is nil")
	}

	dataHash := crypto.Keccak256Hash(data)
	signature, err := crypto.Sign(dataHash.Bytes(), privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign data: %w", err)
	}

	if len(signature) != signatureLength {
		return nil, fmt.Errorf("invalid signature length: got %d, want %d", len(signature), signatureLength)
	}

	if signature[recoveryIDOffset] < ecrecoverVOffset {
		signature[recoveryIDOffset] += ecrecoverVOffset
	}

	return signature, nil
}

// Verify reports whether sig over data recovers to address.
func Verify(data []byte, sig Signature, address common.Address) (bool, error) {
	dataHash := crypto.Keccak256Hash(data)

	recoverable := make(Signature, len(sig))
	copy(recoverable, sig)
	if recoverable[recoveryIDOffset] >= ecrecoverVOffset {
		recoverable[recoveryIDOffset] -= ecrecoverVOffset
	}

	pubKeyRaw, err := crypto.Ecrecover(dataHash.Bytes(), recoverable)
	if err != nil {
		return false, fmt.Errorf("failed to recover public key: %w", err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyRaw)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey) == address, nil
}
