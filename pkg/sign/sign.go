package sign

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Signer is a blockchain-agnostic signing capability, letting the broker
// swap in an HSM- or KMS-backed implementation without touching callers
// that only need PublicKey/Sign.
type Signer interface {
	PublicKey() PublicKey
	Sign(data []byte) (Signature, error)
}

// AddressRecoverer recovers the signer's address from a message and its
// signature, without needing the signer itself.
type AddressRecoverer interface {
	RecoverAddress(message []byte, signature Signature) (Address, error)
}

// PublicKey is a blockchain-agnostic public key.
type PublicKey interface {
	Address() Address
	Bytes() []byte
}

// Address is a blockchain-specific address, comparable across
// representations (e.g. checksummed vs lowercase hex) via Equals rather
// than Go's == on the underlying type.
type Address interface {
	fmt.Stringer
	Equals(other Address) bool
}

// Signature is a chain-agnostic signature, hex-encoded on the wire.
type Signature []byte

// Type identifies which chain's signature scheme a Signature was produced
// under, inferred from its byte length.
type Type uint8

const (
	TypeEthereum Type = iota
	TypeUnknown  Type = 255
)

const ethereumSignatureLength = 65

func (t Type) String() string {
	if t == TypeEthereum {
		return "Ethereum"
	}
	return "Unknown"
}

// Type classifies s by length: 65 bytes (r, s, v) is the only recognized
// shape today.
func (s Signature) Type() Type {
	if len(s) == ethereumSignatureLength {
		return TypeEthereum
	}
	return TypeUnknown
}

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
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

// NewAddressRecoverer returns the AddressRecoverer for sigType.
func NewAddressRecoverer(sigType Type) (AddressRecoverer, error) {
	switch sigType {
	case TypeEthereum:
		return &EthereumAddressRecoverer{}, nil
	default:
		return nil, fmt.Errorf("unsupported signature type: %s", sigType.String())
	}
}

// NewAddressRecovererFromSignature infers the signature type from
// signature's byte length and returns its AddressRecoverer.
func NewAddressRecovererFromSignature(signature Signature) (AddressRecoverer, error) {
	return NewAddressRecoverer(signature.Type())
}
