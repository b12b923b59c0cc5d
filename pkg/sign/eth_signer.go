package sign

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	_ Signer           = (*EthereumSigner)(nil)
	_ AddressRecoverer = (*EthereumAddressRecoverer)(nil)
	_ PublicKey        = (*EthereumPublicKey)(nil)
	_ Address          = (*EthereumAddress)(nil)
)

const recoveryIDOffset = 64
const ecrecoverVOffset = 27 // wire v is 27/28; go-ethereum's crypto expects a raw 0/1 recovery id

// EthereumAddress is an Ethereum address satisfying the Address interface.
type EthereumAddress struct{ common.Address }

func NewEthereumAddress(addr common.Address) EthereumAddress {
	return EthereumAddress{addr}
}

func NewEthereumAddressFromHex(hexAddr string) EthereumAddress {
	return EthereumAddress{common.HexToAddress(hexAddr)}
}

func (a EthereumAddress) String() string { return a.Address.Hex() }

func (a EthereumAddress) Equals(other Address) bool {
	if otherAddr, ok := other.(EthereumAddress); ok {
		return a.Address == otherAddr.Address
	}
	return a.String() == other.String() // cross-chain fallback comparison
}

// EthereumPublicKey is an ECDSA public key satisfying the PublicKey interface.
type EthereumPublicKey struct{ *ecdsa.PublicKey }

func NewEthereumPublicKey(pub *ecdsa.PublicKey) EthereumPublicKey {
	return EthereumPublicKey{pub}
}

func NewEthereumPublicKeyFromBytes(pubBytes []byte) (EthereumPublicKey, error) {
	pub, err := ethcrypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return EthereumPublicKey{}, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return EthereumPublicKey{pub}, nil
}

func (p EthereumPublicKey) Address() Address {
	return EthereumAddress{ethcrypto.PubkeyToAddress(*p.PublicKey)}
}

func (p EthereumPublicKey) Bytes() []byte { return ethcrypto.FromECDSAPub(p.PublicKey) }

// EthereumSigner signs with a raw ECDSA private key held in memory.
type EthereumSigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  EthereumPublicKey
}

// NewEthereumSigner parses a hex-encoded ECDSA private key (with or
// without a "0x" prefix) into a Signer.
func NewEthereumSigner(privateKeyHex string) (Signer, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("could not parse ethereum private key: %w", err)
	}
	return &EthereumSigner{
		privateKey: key,
		publicKey:  EthereumPublicKey{key.Public().(*ecdsa.PublicKey)},
	}, nil
}

func (s *EthereumSigner) PublicKey() PublicKey { return s.publicKey }

// Sign expects hash to already be a digest (e.g. Keccak256 of the message),
// not the raw message itself.
func (s *EthereumSigner) Sign(hash []byte) (Signature, error) {
	sig, err := ethcrypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, err
	}
	if sig[recoveryIDOffset] < ecrecoverVOffset {
		sig[recoveryIDOffset] += ecrecoverVOffset
	}
	return Signature(sig), nil
}

// EthereumAddressRecoverer recovers addresses from Ethereum signatures.
type EthereumAddressRecoverer struct{}

func (r *EthereumAddressRecoverer) RecoverAddress(message []byte, signature Signature) (Address, error) {
	hash := ethcrypto.Keccak256Hash(message)
	return RecoverAddressFromHash(hash.Bytes(), signature)
}

// RecoverAddressFromHash recovers the signer address from a pre-computed
// digest and its signature.
func RecoverAddressFromHash(hash []byte, sig Signature) (Address, error) {
	if len(sig) != ethereumSignatureLength {
		return nil, fmt.Errorf("invalid signature length")
	}

	normalized := make([]byte, ethereumSignatureLength)
	copy(normalized, sig)
	if normalized[recoveryIDOffset] >= ecrecoverVOffset {
		normalized[recoveryIDOffset] -= ecrecoverVOffset
	}

	pubKey, err := ethcrypto.SigToPub(hash, normalized)
	if err != nil {
		return nil, fmt.Errorf("signature recovery failed: %w", err)
	}
	return EthereumAddress{ethcrypto.PubkeyToAddress(*pubKey)}, nil
}
