package nitrolite

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const stateTupleJSON = `{"components":[{"internalType":"uint8","name":"intent","type":"uint8"},{"internalType":"uint256","name":"version","type":"uint256"},{"internalType":"bytes","name":"data","type":"bytes"},{"components":[{"internalType":"address","name":"destination","type":"address"},{"internalType":"address","name":"token","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"internalType":"struct Allocation[]","name":"allocations","type":"tuple[]"},{"internalType":"bytes[]","name":"sigs","type":"bytes[]"}],"internalType":"struct State","type":"tuple"}`

const channelTupleJSON = `{"components":[{"internalType":"address[]","name":"participants","type":"address[]"},{"internalType":"address","name":"adjudicator","type":"address"},{"internalType":"uint64","name":"challenge","type":"uint64"},{"internalType":"uint64","name":"nonce","type":"uint64"}],"internalType":"struct Channel","type":"tuple"}`

func namedTuple(name string, tupleJSON string) string {
	// splice a "name" field into a bare tuple-type JSON object
	return strings.Replace(tupleJSON, `"components"`, `"name":"`+name+`","components"`, 1)
}

// CustodyMetaData contains the ABI for the Custody contract, trimmed to
// these functions and events (deposit/withdraw/create/join/
// depositAndCreate/close/challenge/checkpoint/resize/getChannelData/
// getAccountsBalances/getChannelBalances/getOpenChannels plus the
// Deposited/Withdrawn/Created/Joined/Opened/Closed/Challenged/Checkpointed/
// Resized events).
var CustodyMetaData = &bind.MetaData{
	ABI: `[
{"inputs":[{"internalType":"address","name":"account","type":"address"},{"internalType":"address","name":"token","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"deposit","outputs":[],"stateMutability":"payable","type":"function"},
{"inputs":[{"internalType":"address","name":"token","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[` + namedTuple("ch", channelTupleJSON) + `,` + namedTuple("initial", stateTupleJSON) + `],"name":"create","outputs":[{"internalType":"bytes32","name":"channelId","type":"bytes32"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"channelId","type":"bytes32"},{"internalType":"uint256","name":"index","type":"uint256"},{"internalType":"bytes","name":"sig","type":"bytes"}],"name":"join","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"token","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},` + namedTuple("ch", channelTupleJSON) + `,` + namedTuple("initial", stateTupleJSON) + `],"name":"depositAndCreate","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"payable","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"channelId","type":"bytes32"},` + namedTuple("candidate", stateTupleJSON) + `,{"components":[` + stateTupleJSONComponents + `],"internalType":"struct State[]","name":"","type":"tuple[]"}],"name":"close","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"channelId","type":"bytes32"},` + namedTuple("candidate", stateTupleJSON) + `,{"components":[` + stateTupleJSONComponents + `],"internalType":"struct State[]","name":"proofs","type":"tuple[]"},{"internalType":"bytes","name":"challengerSig","type":"bytes"}],"name":"challenge","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"channelId","type":"bytes32"},` + namedTuple("candidate", stateTupleJSON) + `,{"components":[` + stateTupleJSONComponents + `],"internalType":"struct State[]","name":"proofs","type":"tuple[]"}],"name":"checkpoint","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"channelId","type":"bytes32"},` + namedTuple("candidate", stateTupleJSON) + `,{"components":[` + stateTupleJSONComponents + `],"internalType":"struct State[]","name":"proofs","type":"tuple[]"}],"name":"resize","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"channelId","type":"bytes32"}],"name":"getChannelData","outputs":[` + namedTuple("channel", channelTupleJSON) + `,{"internalType":"uint8","name":"status","type":"uint8"},{"internalType":"address[]","name":"wallets","type":"address[]"},{"internalType":"uint256","name":"challengeExpiry","type":"uint256"},` + namedTuple("lastValidState", stateTupleJSON) + `],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address[]","name":"accounts","type":"address[]"},{"internalType":"address[]","name":"tokens","type":"address[]"}],"name":"getAccountsBalances","outputs":[{"internalType":"uint256[][]","name":"","type":"uint256[][]"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"channelId","type":"bytes32"},{"internalType":"address[]","name":"tokens","type":"address[]"}],"name":"getChannelBalances","outputs":[{"internalType":"uint256[]","name":"balances","type":"uint256[]"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address[]","name":"accounts","type":"address[]"}],"name":"getOpenChannels","outputs":[{"internalType":"bytes32[][]","name":"","type":"bytes32[][]"}],"stateMutability":"view","type":"function"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"wallet","type":"address"},{"indexed":true,"internalType":"address","name":"token","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}],"name":"Deposited","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"wallet","type":"address"},{"indexed":true,"internalType":"address","name":"token","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}],"name":"Withdrawn","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"bytes32","name":"channelId","type":"bytes32"},{"indexed":true,"internalType":"address","name":"wallet","type":"address"},` + namedTuple("channel", channelTupleJSON) + `,` + namedTuple("initial", stateTupleJSON) + `],"name":"Created","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"bytes32","name":"channelId","type":"bytes32"},{"indexed":false,"internalType":"uint256","name":"index","type":"uint256"}],"name":"Joined","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"bytes32","name":"channelId","type":"bytes32"}],"name":"Opened","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"bytes32","name":"channelId","type":"bytes32"},` + namedTuple("finalState", stateTupleJSON) + `],"name":"Closed","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"bytes32","name":"channelId","type":"bytes32"},` + namedTuple("state", stateTupleJSON) + `,{"indexed":false,"internalType":"uint256","name":"expiration","type":"uint256"}],"name":"Challenged","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"bytes32","name":"channelId","type":"bytes32"},` + namedTuple("state", stateTupleJSON) + `],"name":"Checkpointed","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"bytes32","name":"channelId","type":"bytes32"},{"indexed":false,"internalType":"int256[]","name":"deltaAllocations","type":"int256[]"}],"name":"Resized","type":"event"}
]`,
}

const stateTupleJSONComponents = `{"internalType":"uint8","name":"intent","type":"uint8"},{"internalType":"uint256","name":"version","type":"uint256"},{"internalType":"bytes","name":"data","type":"bytes"},{"components":[{"internalType":"address","name":"destination","type":"address"},{"internalType":"address","name":"token","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"internalType":"struct Allocation[]","name":"allocations","type":"tuple[]"},{"internalType":"bytes[]","name":"sigs","type":"bytes[]"}`

// CustodyABI is the parsed ABI interface for the Custody contract.
var CustodyABI = CustodyMetaData.ABI

// Custody is a binding to the Custody contract, trimmed to the broker's needs.
type Custody struct {
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
}

// NewCustody binds a new instance of Custody to the deployed contract.
func NewCustody(address common.Address, backend bind.ContractBackend) (*Custody, error) {
	parsed, err := CustodyMetaData.GetAbi()
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(address, *parsed, backend, backend, backend)
	return &Custody{address: address, abi: *parsed, contract: contract}, nil
}

// Deposit deposits an amount of a token into the broker's custody account.
func (c *Custody) Deposit(opts *bind.TransactOpts, account common.Address, token common.Address, amount *big.Int) (*types.Transaction, error) {
	return c.contract.Transact(opts, "deposit", account, token, amount)
}

// Withdraw withdraws unlocked custody funds back to the caller's wallet.
func (c *Custody) Withdraw(opts *bind.TransactOpts, token common.Address, amount *big.Int) (*types.Transaction, error) {
	return c.contract.Transact(opts, "withdraw", token, amount)
}

// Create opens a new channel with an initial state.
func (c *Custody) Create(opts *bind.TransactOpts, ch Channel, initial State) (*types.Transaction, error) {
	return c.contract.Transact(opts, "create", ch, initial)
}

// Join joins an existing channel at the given participant index.
func (c *Custody) Join(opts *bind.TransactOpts, channelID [32]byte, index *big.Int, sig []byte) (*types.Transaction, error) {
	return c.contract.Transact(opts, "join", channelID, index, sig)
}

// DepositAndCreate combines a deposit with channel creation in a single transaction.
func (c *Custody) DepositAndCreate(opts *bind.TransactOpts, token common.Address, amount *big.Int, ch Channel, initial State) (*types.Transaction, error) {
	return c.contract.Transact(opts, "depositAndCreate", token, amount, ch, initial)
}

// Close finalizes a channel cooperatively using a mutually signed final state.
func (c *Custody) Close(opts *bind.TransactOpts, channelID [32]byte, candidate State, proofs []State) (*types.Transaction, error) {
	return c.contract.Transact(opts, "close", channelID, candidate, proofs)
}

// Challenge opens a dispute window on-chain with a candidate state and supporting proofs.
func (c *Custody) Challenge(opts *bind.TransactOpts, channelID [32]byte, candidate State, proofs []State, challengerSig []byte) (*types.Transaction, error) {
	return c.contract.Transact(opts, "challenge", channelID, candidate, proofs, challengerSig)
}

// Checkpoint pins a newer co-signed state on-chain without starting a dispute window.
func (c *Custody) Checkpoint(opts *bind.TransactOpts, channelID [32]byte, candidate State, proofs []State) (*types.Transaction, error) {
	return c.contract.Transact(opts, "checkpoint", channelID, candidate, proofs)
}

// Resize adjusts channel allocations in place via a signed resize state.
func (c *Custody) Resize(opts *bind.TransactOpts, channelID [32]byte, candidate State, proofs []State) (*types.Transaction, error) {
	return c.contract.Transact(opts, "resize", channelID, candidate, proofs)
}

// ChannelData is the structured return of getChannelData.
type ChannelData struct {
	Channel         Channel
	Status          uint8
	Wallets         []common.Address
	ChallengeExpiry *big.Int
	LastValidState  State
}

// GetChannelData reads the on-chain channel record.
func (c *Custody) GetChannelData(opts *bind.CallOpts, channelID [32]byte) (ChannelData, error) {
	var out []interface{}
	err := c.contract.Call(opts, &out, "getChannelData", channelID)
	if err != nil {
		return ChannelData{}, err
	}
	return ChannelData{
		Channel:         *abi.ConvertType(out[0], new(Channel)).(*Channel),
		Status:          *abi.ConvertType(out[1], new(uint8)).(*uint8),
		Wallets:         *abi.ConvertType(out[2], new([]common.Address)).(*[]common.Address),
		ChallengeExpiry: *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		LastValidState:  *abi.ConvertType(out[4], new(State)).(*State),
	}, nil
}

// GetAccountsBalances returns, for each account, the custody balance per requested token.
func (c *Custody) GetAccountsBalances(opts *bind.CallOpts, accounts []common.Address, tokens []common.Address) ([][]*big.Int, error) {
	var out []interface{}
	err := c.contract.Call(opts, &out, "getAccountsBalances", accounts, tokens)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([][]*big.Int)).(*[][]*big.Int), nil
}

// GetChannelBalances returns a single channel's balance per requested token.
func (c *Custody) GetChannelBalances(opts *bind.CallOpts, channelID [32]byte, tokens []common.Address) ([]*big.Int, error) {
	var out []interface{}
	err := c.contract.Call(opts, &out, "getChannelBalances", channelID, tokens)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int), nil
}

// GetOpenChannels returns, for each account, the list of its open channel IDs.
func (c *Custody) GetOpenChannels(opts *bind.CallOpts, accounts []common.Address) ([][][32]byte, error) {
	var out []interface{}
	err := c.contract.Call(opts, &out, "getOpenChannels", accounts)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([][][32]byte)).(*[][][32]byte), nil
}

// CustodyDeposited is the Deposited event raised by the Custody contract.
type CustodyDeposited struct {
	Wallet common.Address
	Token  common.Address
	Amount *big.Int
	Raw    types.Log
}

// ParseDeposited unpacks a Deposited log.
func (c *Custody) ParseDeposited(l types.Log) (*CustodyDeposited, error) {
	ev := new(CustodyDeposited)
	if err := c.contract.UnpackLog(ev, "Deposited", l); err != nil {
		return nil, err
	}
	ev.Raw = l
	return ev, nil
}

// CustodyWithdrawn is the Withdrawn event raised by the Custody contract.
type CustodyWithdrawn struct {
	Wallet common.Address
	Token  common.Address
	Amount *big.Int
	Raw    types.Log
}

// ParseWithdrawn unpacks a Withdrawn log.
func (c *Custody) ParseWithdrawn(l types.Log) (*CustodyWithdrawn, error) {
	ev := new(CustodyWithdrawn)
	if err := c.contract.UnpackLog(ev, "Withdrawn", l); err != nil {
		return nil, err
	}
	ev.Raw = l
	return ev, nil
}

// CustodyCreated is the Created event raised by the Custody contract.
type CustodyCreated struct {
	ChannelId [32]byte
	Wallet    common.Address
	Channel   Channel
	Initial   State
	Raw       types.Log
}

// ParseCreated unpacks a Created log.
func (c *Custody) ParseCreated(l types.Log) (*CustodyCreated, error) {
	ev := new(CustodyCreated)
	if err := c.contract.UnpackLog(ev, "Created", l); err != nil {
		return nil, err
	}
	ev.Raw = l
	return ev, nil
}

// CustodyJoined is the Joined event raised by the Custody contract.
type CustodyJoined struct {
	ChannelId [32]byte
	Index     *big.Int
	Raw       types.Log
}

// ParseJoined unpacks a Joined log.
func (c *Custody) ParseJoined(l types.Log) (*CustodyJoined, error) {
	ev := new(CustodyJoined)
	if err := c.contract.UnpackLog(ev, "Joined", l); err != nil {
		return nil, err
	}
	ev.Raw = l
	return ev, nil
}

// CustodyOpened is the Opened event raised by the Custody contract.
type CustodyOpened struct {
	ChannelId [32]byte
	Raw       types.Log
}

// ParseOpened unpacks an Opened log.
func (c *Custody) ParseOpened(l types.Log) (*CustodyOpened, error) {
	ev := new(CustodyOpened)
	if err := c.contract.UnpackLog(ev, "Opened", l); err != nil {
		return nil, err
	}
	ev.Raw = l
	return ev, nil
}

// CustodyClosed is the Closed event raised by the Custody contract.
type CustodyClosed struct {
	ChannelId  [32]byte
	FinalState State
	Raw        types.Log
}

// ParseClosed unpacks a Closed log.
func (c *Custody) ParseClosed(l types.Log) (*CustodyClosed, error) {
	ev := new(CustodyClosed)
	if err := c.contract.UnpackLog(ev, "Closed", l); err != nil {
		return nil, err
	}
	ev.Raw = l
	return ev, nil
}

// CustodyChallenged is the Challenged event raised by the Custody contract.
type CustodyChallenged struct {
	ChannelId  [32]byte
	State      State
	Expiration *big.Int
	Raw        types.Log
}

// ParseChallenged unpacks a Challenged log.
func (c *Custody) ParseChallenged(l types.Log) (*CustodyChallenged, error) {
	ev := new(CustodyChallenged)
	if err := c.contract.UnpackLog(ev, "Challenged", l); err != nil {
		return nil, err
	}
	ev.Raw = l
	return ev, nil
}

// CustodyCheckpointed is the Checkpointed event raised by the Custody contract.
type CustodyCheckpointed struct {
	ChannelId [32]byte
	State     State
	Raw       types.Log
}

// ParseCheckpointed unpacks a Checkpointed log.
func (c *Custody) ParseCheckpointed(l types.Log) (*CustodyCheckpointed, error) {
	ev := new(CustodyCheckpointed)
	if err := c.contract.UnpackLog(ev, "Checkpointed", l); err != nil {
		return nil, err
	}
	ev.Raw = l
	return ev, nil
}

// CustodyResized is the Resized event raised by the Custody contract.
type CustodyResized struct {
	ChannelId        [32]byte
	DeltaAllocations []*big.Int
	Raw              types.Log
}

// ParseResized unpacks a Resized log.
func (c *Custody) ParseResized(l types.Log) (*CustodyResized, error) {
	ev := new(CustodyResized)
	if err := c.contract.UnpackLog(ev, "Resized", l); err != nil {
		return nil, err
	}
	ev.Raw = l
	return ev, nil
}
