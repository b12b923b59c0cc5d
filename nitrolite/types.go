// Package nitrolite provides the on-chain data types and Custody contract
// bindings for the state channel protocol: channel identity derivation,
// state packing/signing, and a hand-maintained contract binding trimmed to
// a subset of the contract's methods and events.
package nitrolite

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Allocation mirrors the Allocation struct in the Custody contract ABI.
type Allocation struct {
	Destination common.Address
	Token       common.Address
	Amount      *big.Int
}

// Channel mirrors the Channel struct in the Custody contract ABI.
type Channel struct {
	Participants []common.Address
	Adjudicator  common.Address
	Challenge    uint64
	Nonce        uint64
}

// Intent identifies the purpose of a channel state, matching the contract's
// enumStateIntent ordering.
type Intent uint8

const (
	IntentOPERATE    Intent = 0
	IntentINITIALIZE Intent = 1
	IntentRESIZE     Intent = 2
	IntentFINALIZE   Intent = 3
)

// State mirrors the State struct in the Custody contract ABI.
type State struct {
	Intent      uint8
	Version     *big.Int
	Data        []byte
	Allocations []Allocation
	Sigs        [][]byte
}

// GetChannelID returns the keccak256 hash of the ABI-encoded channel data.
// The encoding packs the participants (as a dynamic address[]), the adjudicator, the challenge,
// the nonce, and the chain ID (as uint256).
func GetChannelID(ch Channel, chainID uint32) (common.Hash, error) {
	participantsT, _ := abi.NewType("address[]", "", nil)
	adjudicatorT, _ := abi.NewType("address", "", nil)
	challengeT, _ := abi.NewType("uint64", "", nil)
	nonceT, _ := abi.NewType("uint64", "", nil)
	chainIdT, _ := abi.NewType("uint256", "", nil)
	arguments := abi.Arguments{
		{Type: participantsT},
		{Type: adjudicatorT},
		{Type: challengeT},
		{Type: nonceT},
		{Type: chainIdT},
	}

	chainIDCasted := new(big.Int).SetUint64(uint64(chainID))

	encoded, err := arguments.Pack(ch.Participants, ch.Adjudicator, ch.Challenge, ch.Nonce, chainIDCasted)
	if err != nil {
		return [32]byte{}, err
	}

	return crypto.Keccak256Hash(encoded), nil
}

// PackState ABI-encodes a channel state the same way the Custody contract hashes it
// before signature verification.
func PackState(channelID common.Hash, state State) ([]byte, error) {
	allocationType, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "destination", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	})
	if err != nil {
		return nil, err
	}

	intentType, err := abi.NewType("uint8", "", nil)
	if err != nil {
		return nil, err
	}
	versionType, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return nil, err
	}

	args := abi.Arguments{
		{Type: abi.Type{T: abi.FixedBytesTy, Size: 32}}, // channelID
		{Type: intentType},                              // intent
		{Type: versionType},                             // version
		{Type: abi.Type{T: abi.BytesTy}},                 // stateData
		{Type: allocationType},                           // allocations (tuple[])
	}

	packed, err := args.Pack(channelID, state.Intent, state.Version, state.Data, state.Allocations)
	if err != nil {
		return nil, err
	}
	return packed, nil
}
