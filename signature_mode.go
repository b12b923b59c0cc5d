package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/nitrolite-labs/clearnode/pkg/sign"
)

// erc1271MagicValue is the 4-byte value a contract account's
// isValidSignature(bytes32,bytes) must return for a signature to be accepted.
var erc1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

var isValidSignatureABI = mustParseIsValidSignatureABI()

func mustParseIsValidSignatureABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(`[{"inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"name":"isValidSignature","outputs":[{"name":"","type":"bytes4"}],"stateMutability":"view","type":"function"}]`))
	if err != nil {
		panic(err)
	}
	return parsed
}

// recoverRawECDSA recovers the signer address assuming data was hashed with
// keccak256 and signed directly, with no message prefix.
func recoverRawECDSA(data []byte, sig Signature) (common.Address, error) {
	addrHex, err := RecoverAddress(data, append(Signature(nil), sig...))
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(addrHex), nil
}

// recoverEIP191 recovers the signer address assuming data was signed under
// the "\x19Ethereum Signed Message:\n" personal-sign prefix.
func recoverEIP191(data []byte, sig Signature) (common.Address, error) {
	s := append(Signature(nil), sig...)
	if len(s) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: got %d, want 65", len(s))
	}
	if s[64] >= 27 {
		s[64] -= 27
	}

	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(data))
	digest := crypto.Keccak256([]byte(prefix), data)

	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// recoverEIP712 recovers the signer address assuming data is the payload of
// a ChallengeState typed-data struct scoped to domainName.
func recoverEIP712(domainName string, data []byte, sig Signature) (common.Address, error) {
	s := append(Signature(nil), sig...)
	if len(s) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: got %d, want 65", len(s))
	}
	if s[64] >= 27 {
		s[64] -= 27
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":   {{Name: "name", Type: "string"}},
			"ChallengeState": {{Name: "state", Type: "bytes"}},
		},
		PrimaryType: "ChallengeState",
		Domain:      apitypes.TypedDataDomain{Name: domainName},
		Message:     map[string]interface{}{"state": hexutil.Encode(data)},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return common.Address{}, err
	}

	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// verifyERC1271 calls isValidSignature(hash, sig) on a contract account and
// reports whether it returned the ERC-1271 magic value. Returns (false, nil)
// when no caller is available, since contract-account verification requires
// a live chain connection and this mode is only ever an addition to, never a
// replacement for, the EOA modes above.
func verifyERC1271(ctx context.Context, caller bind.ContractCaller, account common.Address, digest [32]byte, sig Signature) (bool, error) {
	if caller == nil {
		return false, nil
	}

	input, err := isValidSignatureABI.Pack("isValidSignature", digest, []byte(sig))
	if err != nil {
		return false, err
	}

	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &account, Data: input}, nil)
	if err != nil {
		// A revert or missing code means this account is not an ERC-1271
		// signer for this signature, not a verification failure.
		return false, nil
	}
	if len(out) < 4 {
		return false, nil
	}
	var magic [4]byte
	copy(magic[:], out[:4])
	return magic == erc1271MagicValue, nil
}

// VerifyChallengeStateSignature checks sig against every candidate
// participant using the four signature modes the protocol names for a
// posted challenge proof: raw ECDSA, EIP-191, EIP-712 (domain-scoped to
// domainName), and ERC-1271 for contract accounts. Each mode derives its own
// digest from data, so a signature valid under one mode for one message
// cannot also verify under a different mode for a different message. caller
// may be nil, in which case ERC-1271 is skipped and only the three EOA modes
// are tried.
func VerifyChallengeStateSignature(ctx context.Context, caller bind.ContractCaller, domainName string, data []byte, sig Signature, participants []common.Address) (common.Address, bool, error) {
	if sign.Signature(sig).Type() != sign.TypeEthereum {
		return common.Address{}, false, fmt.Errorf("unsupported signature encoding: expected a 65-byte ECDSA signature")
	}

	rawAddr, _ := recoverRawECDSA(data, sig)
	eip191Addr, _ := recoverEIP191(data, sig)
	eip712Addr, _ := recoverEIP712(domainName, data, sig)
	digest := crypto.Keccak256Hash(data)

	for _, p := range participants {
		if rawAddr == p || eip191Addr == p || eip712Addr == p {
			return p, true, nil
		}
		if ok, err := verifyERC1271(ctx, caller, p, digest, sig); err == nil && ok {
			return p, true, nil
		}
	}
	return common.Address{}, false, nil
}
