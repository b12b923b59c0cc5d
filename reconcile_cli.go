package main

import (
	"context"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

type reconcileArgs struct {
	chainID    uint64
	blockStart uint64
	blockEnd   uint64
}

func parseReconcileArgs(logger Logger) reconcileArgs {
	if len(os.Args) < 5 {
		logger.Fatal("Usage: clearnode reconcile <blockchain_id> <block_start> <block_end>")
	}

	chainID, ok := new(big.Int).SetString(os.Args[2], 10)
	if !ok {
		logger.Fatal("Invalid blockchain ID", "value", os.Args[2])
	}
	blockStart, ok := new(big.Int).SetString(os.Args[3], 10)
	if !ok {
		logger.Fatal("Invalid block start", "value", os.Args[3])
	}
	blockEnd, ok := new(big.Int).SetString(os.Args[4], 10)
	if !ok {
		logger.Fatal("Invalid block end value", "value", os.Args[4])
	}

	return reconcileArgs{
		chainID:    chainID.Uint64(),
		blockStart: blockStart.Uint64(),
		blockEnd:   blockEnd.Uint64(),
	}
}

// runReconcileCli replays custody contract events for one blockchain over a
// block range, feeding them through the same handler the live event
// listener uses, so a broker that missed events (e.g. during downtime) can
// catch its channel/ledger state back up.
func runReconcileCli(logger Logger) {
	logger = logger.NewSystem("reconcile")
	args := parseReconcileArgs(logger)

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	blockchain, ok := config.blockchains[uint32(args.chainID)]
	if !ok {
		logger.Fatal("Blockchain is either not configured or disabled", "id", args.chainID)
	}

	client, err := ethclient.Dial(blockchain.BlockchainRPC)
	if err != nil {
		logger.Fatal("Failed to connect to Ethereum node", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	signer, err := NewSigner(config.privateKeyHex)
	if err != nil {
		logger.Fatal("Failed to initialize signer", "error", err)
	}

	custody, err := NewCustody(
		signer,
		db,
		NewWSNotifier(func(userID, method string, params RPCDataParams) {}, logger),
		blockchain,
		&config.assets,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize custody client", "error", err)
	}

	eventCh := make(chan types.Log, 1000)
	go func() {
		defer close(eventCh)
		ReconcileBlockRange(
			client,
			common.HexToAddress(blockchain.ContractAddresses.Custody),
			blockchain.ID,
			args.blockEnd,
			blockchain.BlockStep,
			args.blockStart,
			0,
			eventCh,
			logger,
		)
	}()

	for event := range eventCh {
		custody.handleBlockChainEvent(context.Background(), event)
	}
}
