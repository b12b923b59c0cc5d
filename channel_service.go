package main

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nitrolite-labs/clearnode/nitrolite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// channelChallengePeriod is the on-chain dispute window given to every
// channel this broker opens.
const channelChallengePeriod = 3600

var emptyStateData = mustDecodeHex("0x")

func mustDecodeHex(s string) []byte {
	b, err := hexutil.Decode(s)
	if err != nil {
		panic(err)
	}
	return b
}

// ChannelService drives the on/off-chain lifecycle of a user's payment
// channel with this broker: opening, resizing the escrowed amount, and
// closing out to a final allocation.
type ChannelService struct {
	db          *gorm.DB
	blockchains map[uint32]BlockchainConfig
	assetsCfg   *AssetsConfig
	signer      *Signer
}

func NewChannelService(db *gorm.DB, blockchains map[uint32]BlockchainConfig, assetsCfg *AssetsConfig, signer *Signer) *ChannelService {
	return &ChannelService{db: db, blockchains: blockchains, assetsCfg: assetsCfg, signer: signer}
}

// twoPartyAllocation builds the [user, broker] allocation pair every channel
// state carries, from the user's and the broker's absolute amounts.
func twoPartyAllocation(userDest, brokerDest, token common.Address, userAmount, brokerAmount *big.Int) []nitrolite.Allocation {
	return []nitrolite.Allocation{
		{Destination: userDest, Token: token, Amount: userAmount},
		{Destination: brokerDest, Token: token, Amount: brokerAmount},
	}
}

// signState packs and signs a channel state, wrapping any failure into a
// client-safe RPCError without leaking the underlying cause.
func (s *ChannelService) signState(channelID common.Hash, state nitrolite.State, logger Logger) (Signature, error) {
	packed, err := nitrolite.PackState(channelID, state)
	if err != nil {
		logger.Error("failed to pack state", "error", err)
		return nil, RPCErrorf("failed to pack state")
	}
	sig, err := s.signer.Sign(packed)
	if err != nil {
		logger.Error("failed to sign state", "error", err)
		return nil, RPCErrorf("failed to sign state")
	}
	return sig, nil
}

func (s *ChannelService) RequestCreate(wallet common.Address, params *CreateChannelParams, rpcSigners map[string]struct{}, logger Logger) (ChannelOperationResponse, error) {
	if _, ok := rpcSigners[wallet.Hex()]; !ok {
		return ChannelOperationResponse{}, RPCErrorf("invalid signature")
	}

	existing, err := CheckExistingChannels(s.db, wallet.Hex(), params.Token, params.ChainID)
	if err != nil {
		return ChannelOperationResponse{}, RPCErrorf("failed to check existing channels")
	}
	if existing != nil {
		return ChannelOperationResponse{}, RPCErrorf("an open channel with broker already exists: %s", existing.ChannelID)
	}

	if _, ok := s.assetsCfg.GetAssetTokenByAddressAndChainID(params.Token, params.ChainID); !ok {
		return ChannelOperationResponse{}, RPCErrorf("token not supported: %s", params.Token)
	}

	networkConfig, ok := s.blockchains[params.ChainID]
	if !ok {
		return ChannelOperationResponse{}, RPCErrorf("unsupported chain ID: %d", params.ChainID)
	}

	token := common.HexToAddress(params.Token)
	// A freshly opened channel starts unfunded; allocations only become
	// non-zero once the custody deposit and a resize land on-chain.
	allocations := twoPartyAllocation(wallet, s.signer.GetAddress(), token, big.NewInt(0), big.NewInt(0))

	channel := nitrolite.Channel{
		Participants: []common.Address{wallet, s.signer.GetAddress()},
		Adjudicator:  common.HexToAddress(networkConfig.ContractAddresses.Adjudicator),
		Challenge:    channelChallengePeriod,
		Nonce:        uint64(time.Now().UnixMilli()),
	}

	channelIDHash, err := nitrolite.GetChannelID(channel, params.ChainID)
	if err != nil {
		logger.Error("failed to get channel ID", "error", err)
		return ChannelOperationResponse{}, RPCErrorf("failed to get channel ID")
	}

	state := nitrolite.State{
		Intent:      uint8(nitrolite.IntentINITIALIZE),
		Version:     big.NewInt(0),
		Data:        emptyStateData,
		Allocations: allocations,
	}

	sig, err := s.signState(channelIDHash, state, logger)
	if err != nil {
		return ChannelOperationResponse{}, err
	}

	return createChannelOperationResponse(channelIDHash.Hex(), state, &channel, sig), nil
}

func (s *ChannelService) RequestResize(params *ResizeChannelParams, rpcSigners map[string]struct{}, logger Logger) (ChannelOperationResponse, error) {
	var channel *Channel
	var allocations []nitrolite.Allocation

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		channel, err = GetChannelByID(tx, params.ChannelID)
		if err != nil {
			logger.Error("failed to find channel", "error", err)
			return RPCErrorf("channel %s not found", params.ChannelID)
		}

		if err := checkChallengedChannels(tx, channel.Wallet); err != nil {
			logger.Error("failed to check challenged channels", "error", err)
			return err
		}

		switch channel.Status {
		case ChannelStatusResizing:
			return RPCErrorf("operation denied: resize already ongoing. Please complete the resize or close the channel %s", params.ChannelID)
		case ChannelStatusOpen:
		default:
			return RPCErrorf("operation denied: channel %s is not open: %s", params.ChannelID, channel.Status)
		}

		if _, ok := rpcSigners[channel.Wallet]; !ok {
			return RPCErrorf("invalid signature")
		}

		asset, ok := s.assetsCfg.GetAssetTokenByAddressAndChainID(channel.Token, channel.ChainID)
		if !ok {
			logger.Error("failed to find asset for an existing channel", "token", channel.Token, "chainID", channel.ChainID)
			return RPCErrorf("failed to find asset for token %s on chain %d", channel.Token, channel.ChainID)
		}

		if params.ResizeAmount == nil {
			params.ResizeAmount = &decimal.Zero
		}
		if params.AllocateAmount == nil {
			params.AllocateAmount = &decimal.Zero
		}
		if params.ResizeAmount.IsZero() && params.AllocateAmount.IsZero() {
			return RPCErrorf("resize operation requires non-zero ResizeAmount or AllocateAmount")
		}

		ledger := GetWalletLedger(tx, common.HexToAddress(channel.Wallet))
		balance, err := ledger.Balance(NewAccountID(channel.Wallet), asset.Symbol)
		if err != nil {
			logger.Error(ErrGetAccountBalance, "error", err)
			return RPCErrorf(ErrGetAccountBalance+" for asset %s", asset.Symbol)
		}

		rawBalance := balance.Shift(int32(asset.Token.Decimals))
		newChannelRawAmount := channel.RawAmount.Add(*params.AllocateAmount)
		if rawBalance.Cmp(newChannelRawAmount) < 0 {
			return RPCErrorf("insufficient unified balance for channel %s: required %s, available %s", channel.ChannelID, newChannelRawAmount.String(), rawBalance.String())
		}

		newChannelRawAmount = newChannelRawAmount.Add(*params.ResizeAmount)
		if newChannelRawAmount.IsNegative() {
			return RPCErrorf("new channel amount must be positive: %s", newChannelRawAmount.String())
		}

		channel.Status = ChannelStatusResizing
		if err := tx.Save(channel).Error; err != nil {
			return RPCErrorf("error saving channel in database: %w", err)
		}

		if params.ResizeAmount.IsNegative() {
			lockAmount := rawToDecimal(params.ResizeAmount.BigInt(), asset.Token.Decimals)
			if err := ledger.Record(NewAccountID(channel.Wallet), asset.Symbol, lockAmount, nil); err != nil {
				return err
			}
			if err := ledger.Record(NewAccountID(channel.ChannelID), asset.Symbol, lockAmount.Neg(), nil); err != nil {
				return err
			}
			if _, err := RecordLedgerTransaction(tx, TransactionTypeEscrowLock, NewAccountID(channel.Wallet), NewAccountID(channel.ChannelID), asset.Symbol, lockAmount); err != nil {
				return err
			}
		}

		allocations = twoPartyAllocation(
			common.HexToAddress(params.FundsDestination), s.signer.GetAddress(), common.HexToAddress(channel.Token),
			newChannelRawAmount.BigInt(), big.NewInt(0),
		)
		return nil
	})
	if err != nil {
		return ChannelOperationResponse{}, err
	}

	encodedIntentions, err := encodeResizeIntentions(params.ResizeAmount.BigInt(), params.AllocateAmount.BigInt())
	if err != nil {
		logger.Error("failed to pack resize amounts", "error", err)
		return ChannelOperationResponse{}, RPCErrorf("failed to pack resize amounts")
	}

	state := nitrolite.State{
		Intent:      uint8(nitrolite.IntentRESIZE),
		Version:     big.NewInt(int64(channel.State.Version) + 1),
		Data:        encodedIntentions,
		Allocations: allocations,
	}

	sig, err := s.signState(common.HexToHash(channel.ChannelID), state, logger)
	if err != nil {
		return ChannelOperationResponse{}, err
	}

	return createChannelOperationResponse(channel.ChannelID, state, nil, sig), nil
}

// encodeResizeIntentions ABI-encodes the [resizeAmount, allocateAmount] pair
// the adjudicator reads to validate a resize state transition.
func encodeResizeIntentions(resizeAmount, allocateAmount *big.Int) ([]byte, error) {
	intentionType, err := abi.NewType("int256[]", "", nil)
	if err != nil {
		return nil, err
	}
	return abi.Arguments{{Type: intentionType}}.Pack([]*big.Int{resizeAmount, allocateAmount})
}

func (s *ChannelService) RequestClose(params *CloseChannelParams, rpcSigners map[string]struct{}, logger Logger) (ChannelOperationResponse, error) {
	channel, err := GetChannelByID(s.db, params.ChannelID)
	if err != nil {
		logger.Error("failed to find channel", "error", err)
		return ChannelOperationResponse{}, RPCErrorf("channel %s not found", params.ChannelID)
	}

	if err := checkChallengedChannels(s.db, channel.Wallet); err != nil {
		logger.Error("failed to check challenged channels", "error", err)
		return ChannelOperationResponse{}, err
	}

	if channel.Status != ChannelStatusOpen && channel.Status != ChannelStatusResizing {
		return ChannelOperationResponse{}, RPCErrorf("channel %s is not open or resizing: %s", params.ChannelID, channel.Status)
	}

	if _, ok := rpcSigners[channel.Wallet]; !ok {
		return ChannelOperationResponse{}, RPCErrorf("invalid signature")
	}

	asset, ok := s.assetsCfg.GetAssetTokenByAddressAndChainID(channel.Token, channel.ChainID)
	if !ok {
		logger.Error("failed to find asset for an existing channel", "token", channel.Token, "chainID", channel.ChainID)
		return ChannelOperationResponse{}, RPCErrorf("failed to find asset for token %s on chain %d", channel.Token, channel.ChainID)
	}

	userAllocation, brokerAllocation, err := s.closingSplit(channel, asset, logger)
	if err != nil {
		return ChannelOperationResponse{}, err
	}

	state := nitrolite.State{
		Intent:  uint8(nitrolite.IntentFINALIZE),
		Version: big.NewInt(int64(channel.State.Version) + 1),
		Data:    emptyStateData,
		Allocations: twoPartyAllocation(
			common.HexToAddress(params.FundsDestination), s.signer.GetAddress(), common.HexToAddress(channel.Token),
			userAllocation, brokerAllocation,
		),
	}

	sig, err := s.signState(common.HexToHash(channel.ChannelID), state, logger)
	if err != nil {
		return ChannelOperationResponse{}, err
	}

	return createChannelOperationResponse(channel.ChannelID, state, nil, sig), nil
}

// closingSplit computes how much of the channel's on-chain amount goes back
// to the user versus the broker when closing: the user receives
// min(unified balance + channel escrow account balance, channel amount), the
// broker absorbs the remainder.
func (s *ChannelService) closingSplit(channel *Channel, asset AssetTokenConfig, logger Logger) (userAmount, brokerAmount *big.Int, err error) {
	ledger := GetWalletLedger(s.db, common.HexToAddress(channel.Wallet))

	balance, err := ledger.Balance(NewAccountID(channel.Wallet), asset.Symbol)
	if err != nil {
		logger.Error(ErrGetAccountBalance, "error", err)
		return nil, nil, RPCErrorf(ErrGetAccountBalance+" for asset %s", asset.Symbol)
	}
	if balance.IsNegative() {
		logger.Error("negative balance", "balance", balance.String())
		return nil, nil, RPCErrorf("negative balance")
	}

	escrowBalance, err := ledger.Balance(NewAccountID(channel.ChannelID), asset.Symbol)
	if err != nil {
		return nil, nil, RPCErrorf("error fetching channel balance: %w", err)
	}
	balance = balance.Add(escrowBalance)

	userAmount = balance.Shift(int32(asset.Token.Decimals)).BigInt()
	channelRawAmount := channel.RawAmount.BigInt()
	if userAmount.Cmp(channelRawAmount) > 0 {
		userAmount = channelRawAmount
	}
	brokerAmount = new(big.Int).Sub(channelRawAmount, userAmount)

	return userAmount, brokerAmount, nil
}

// checkChallengedChannels fails the operation if wallet has any channel
// currently under on-chain dispute; kept free of ChannelService since other
// handlers call it outside of a channel operation too.
func checkChallengedChannels(tx *gorm.DB, wallet string) error {
	challenged, err := listChannelsByWallet(tx, wallet, string(ChannelStatusChallenged))
	if err != nil {
		return RPCErrorf("failed to check challenged channels")
	}
	if len(challenged) > 0 {
		return RPCErrorf("participant %s has challenged channels, cannot execute operation", wallet)
	}
	return nil
}

func createChannelOperationResponse(channelID string, state nitrolite.State, channel *nitrolite.Channel, signature Signature) ChannelOperationResponse {
	resp := ChannelOperationResponse{
		ChannelID: channelID,
		State: UnsignedState{
			Intent:  StateIntent(state.Intent),
			Version: state.Version.Uint64(),
			Data:    hexutil.Encode(state.Data),
		},
		StateSignature: signature,
	}
	for _, alloc := range state.Allocations {
		resp.State.Allocations = append(resp.State.Allocations, Allocation{
			Participant:  alloc.Destination.Hex(),
			TokenAddress: alloc.Token.Hex(),
			RawAmount:    decimal.NewFromBigInt(alloc.Amount, 0),
		})
	}
	if channel != nil {
		resp.Channel = &struct {
			Participants [2]string `json:"participants"`
			Adjudicator  string    `json:"adjudicator"`
			Challenge    uint64    `json:"challenge"`
			Nonce        uint64    `json:"nonce"`
		}{
			Participants: [2]string{channel.Participants[0].Hex(), channel.Participants[1].Hex()},
			Adjudicator:  channel.Adjudicator.Hex(),
			Challenge:    channel.Challenge,
			Nonce:        channel.Nonce,
		}
	}
	return resp
}
