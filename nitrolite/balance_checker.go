package nitrolite

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// BalanceCheckerMetaData is the ABI for the BalanceChecker helper contract, a
// read-only multicall used to batch ERC20/native balance lookups without one
// RPC round trip per token.
var BalanceCheckerMetaData = &bind.MetaData{
	ABI: `[
{"inputs":[{"internalType":"address[]","name":"users","type":"address[]"},{"internalType":"address[]","name":"tokens","type":"address[]"}],"name":"balances","outputs":[{"internalType":"uint256[]","name":"","type":"uint256[]"}],"stateMutability":"view","type":"function"}
]`,
}

// BalanceCheckerABI is the parsed ABI interface for the BalanceChecker contract.
var BalanceCheckerABI = BalanceCheckerMetaData.ABI

// BalanceChecker is a binding to the BalanceChecker helper contract.
type BalanceChecker struct {
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
}

// NewBalanceChecker binds a new instance of BalanceChecker to the deployed contract.
func NewBalanceChecker(address common.Address, backend bind.ContractBackend) (*BalanceChecker, error) {
	parsed, err := BalanceCheckerMetaData.GetAbi()
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(address, *parsed, backend, backend, backend)
	return &BalanceChecker{address: address, abi: *parsed, contract: contract}, nil
}

// Balances returns, flattened in (user, token) iteration order, the balance of
// each token for each user.
func (b *BalanceChecker) Balances(opts *bind.CallOpts, users []common.Address, tokens []common.Address) ([]*big.Int, error) {
	var out []interface{}
	err := b.contract.Call(opts, &out, "balances", users, tokens)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int), nil
}
