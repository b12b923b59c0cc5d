package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"gopkg.in/yaml.v3"
)

const (
	checkChainIdCallTimeout = 5 * time.Second
	defaultBlockStep        = uint64(10000)
	blockchainsFileName     = "blockchains.yaml"
)

var (
	blockchainNameRegex  = regexp.MustCompile(`^[a-z][a-z_]+[a-z]$`)
	contractAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// BlockchainsConfig is the root of blockchains.yaml: default contract
// addresses shared by every chain, plus per-chain overrides.
type BlockchainsConfig struct {
	DefaultContractAddresses ContractAddressesConfig `yaml:"default_contract_addresses"`
	Blockchains              []BlockchainConfig      `yaml:"blockchains"`
}

// BlockchainConfig configures one chain the broker can custody assets on.
type BlockchainConfig struct {
	// Name must match lowercase_with_underscores and is used to derive the
	// <NAME>_BLOCKCHAIN_RPC environment variable.
	Name string `yaml:"name"`
	ID   uint32 `yaml:"id"`
	// Disabled chains are parsed but excluded from the enabled map.
	Disabled      bool   `yaml:"disabled"`
	BlockchainRPC string `yaml:"-"`
	// BlockStep bounds how many blocks a single log scan covers; defaultBlockStep
	// applies when unset.
	BlockStep         uint64                  `yaml:"block_step"`
	ContractAddresses ContractAddressesConfig `yaml:"contract_addresses"`
}

// ContractAddressesConfig holds the Ethereum contract addresses (0x + 40 hex
// chars) a blockchain entry needs.
type ContractAddressesConfig struct {
	Custody        string `yaml:"custody"`
	Adjudicator    string `yaml:"adjudicator"`
	BalanceChecker string `yaml:"balance_checker"`
}

// LoadBlockchains reads <configDirPath>/blockchains.yaml, validates and
// defaults its contents, confirms every enabled chain's RPC answers with the
// expected chain ID, and returns the enabled chains indexed by chain ID.
func LoadBlockchains(configDirPath string) (map[uint32]BlockchainConfig, error) {
	f, err := os.Open(filepath.Join(configDirPath, blockchainsFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg BlockchainsConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	if err := cfg.verifyRPCs(); err != nil {
		return nil, err
	}

	return cfg.getEnabled(), nil
}

// validateAddressField checks a single contract address, returning nil when
// it's empty (callers decide whether empty is acceptable).
func validateAddressField(label, value string) error {
	if value == "" || contractAddressRegex.MatchString(value) {
		return nil
	}
	return fmt.Errorf("invalid %s contract address '%s'", label, value)
}

// resolveAddress fills in a per-chain contract address from the default when
// unset, validating whichever one ends up in effect.
func resolveAddress(label, chainName, override, fallback string) (string, error) {
	if override == "" {
		if fallback == "" {
			return "", fmt.Errorf("missing default and blockchain-specific %s contract address for blockchain '%s'", label, chainName)
		}
		return fallback, nil
	}
	if !contractAddressRegex.MatchString(override) {
		return "", fmt.Errorf("invalid %s contract address '%s' for blockchain '%s'", label, override, chainName)
	}
	return override, nil
}

// applyDefaultsAndValidate checks the default contract addresses, then walks
// every enabled blockchain validating its name and addresses and filling in
// defaults (default contract addresses, defaultBlockStep) in place.
func (cfg *BlockchainsConfig) applyDefaultsAndValidate() error {
	defaults := cfg.DefaultContractAddresses
	for _, f := range []struct{ label, value string }{
		{"default custody", defaults.Custody},
		{"default adjudicator", defaults.Adjudicator},
		{"default balance checker", defaults.BalanceChecker},
	} {
		if err := validateAddressField(f.label, f.value); err != nil {
			return err
		}
	}

	for i := range cfg.Blockchains {
		bc := &cfg.Blockchains[i]
		if bc.Disabled {
			continue
		}

		if !blockchainNameRegex.MatchString(bc.Name) {
			return fmt.Errorf("invalid blockchain name '%s', should match snake_case format", bc.Name)
		}

		var err error
		if bc.ContractAddresses.Custody, err = resolveAddress("custody", bc.Name, bc.ContractAddresses.Custody, defaults.Custody); err != nil {
			return err
		}
		if bc.ContractAddresses.Adjudicator, err = resolveAddress("adjudicator", bc.Name, bc.ContractAddresses.Adjudicator, defaults.Adjudicator); err != nil {
			return err
		}
		if bc.ContractAddresses.BalanceChecker, err = resolveAddress("balance checker", bc.Name, bc.ContractAddresses.BalanceChecker, defaults.BalanceChecker); err != nil {
			return err
		}

		if bc.BlockStep == 0 {
			bc.BlockStep = defaultBlockStep
		}
	}

	return nil
}

// verifyRPCs resolves each enabled blockchain's RPC endpoint from
// <NAME>_BLOCKCHAIN_RPC and confirms it reports the configured chain ID.
func (cfg *BlockchainsConfig) verifyRPCs() error {
	for i, bc := range cfg.Blockchains {
		if bc.Disabled {
			continue
		}

		rpc := os.Getenv(fmt.Sprintf("%s_BLOCKCHAIN_RPC", strings.ToUpper(bc.Name)))
		if rpc == "" {
			return fmt.Errorf("missing blockchain RPC for blockchain '%s'", bc.Name)
		}
		if err := checkChainId(rpc, bc.ID); err != nil {
			return fmt.Errorf("blockchain '%s' ChainID check failed: %w", bc.Name, err)
		}
		cfg.Blockchains[i].BlockchainRPC = rpc
	}

	return nil
}

func (cfg *BlockchainsConfig) getEnabled() map[uint32]BlockchainConfig {
	enabled := make(map[uint32]BlockchainConfig)
	for _, bc := range cfg.Blockchains {
		if !bc.Disabled {
			enabled[bc.ID] = bc
		}
	}
	return enabled
}

// checkChainId dials blockchainRPC and confirms it reports expectedChainID,
// guarding against a misconfigured RPC URL pointing at the wrong network.
func checkChainId(blockchainRPC string, expectedChainID uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkChainIdCallTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, blockchainRPC)
	if err != nil {
		return fmt.Errorf("failed to connect to blockchain RPC: %w", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain ID from blockchain RPC: %w", err)
	}
	if uint32(chainID.Uint64()) != expectedChainID {
		return fmt.Errorf("unexpected chain ID from blockchain RPC: got %d, want %d", chainID.Uint64(), expectedChainID)
	}

	return nil
}
