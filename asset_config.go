package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const assetsFileName = "assets.yaml"

// AssetTokenConfig joins one asset's metadata with a single one of its
// per-chain token deployments; lookup helpers return this pairing rather
// than making callers cross-reference an AssetConfig and TokenConfig
// themselves.
type AssetTokenConfig struct {
	Name     string
	Symbol   string
	Disabled bool
	Token    TokenConfig
}

// AssetsConfig is the parsed contents of assets.yaml.
type AssetsConfig struct {
	Assets []AssetConfig `yaml:"assets"`
}

// AssetConfig describes one fungible asset (USDC, USDT, ...) and every
// chain it's deployed to.
type AssetConfig struct {
	Name     string        `yaml:"name"`
	Symbol   string        `yaml:"symbol"`
	Disabled bool          `yaml:"disabled"`
	Tokens   []TokenConfig `yaml:"tokens"`
}

// TokenConfig is one asset's deployment on a specific chain.
type TokenConfig struct {
	Name         string `yaml:"name"`
	Symbol       string `yaml:"symbol"`
	BlockchainID uint32 `yaml:"blockchain_id"`
	Disabled     bool   `yaml:"disabled"`
	Address      string `yaml:"address"`
	Decimals     uint8  `yaml:"decimals"`
}

// LoadAssets reads and validates <configDirPath>/assets.yaml.
func LoadAssets(configDirPath string) (AssetsConfig, error) {
	f, err := os.Open(filepath.Join(configDirPath, assetsFileName))
	if err != nil {
		return AssetsConfig{}, err
	}
	defer f.Close()

	var cfg AssetsConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return AssetsConfig{}, err
	}

	if err := cfg.applyDefaultsAndValidate(); err != nil {
		return AssetsConfig{}, err
	}
	return cfg, nil
}

// applyDefaultsAndValidate fills in symbol/name inheritance from asset to
// token and rejects any enabled entry missing a required field. Enabled
// assets must carry a symbol; enabled tokens must carry a valid contract
// address.
func (cfg *AssetsConfig) applyDefaultsAndValidate() error {
	for i := range cfg.Assets {
		if cfg.Assets[i].Disabled {
			continue
		}
		if err := cfg.normalizeAsset(i); err != nil {
			return err
		}
	}
	return nil
}

func (cfg *AssetsConfig) normalizeAsset(i int) error {
	asset := &cfg.Assets[i]
	if asset.Symbol == "" {
		return fmt.Errorf("missing asset symbol for asset[%d]", i)
	}
	if asset.Name == "" {
		asset.Name = asset.Symbol
	}

	for j := range asset.Tokens {
		token := &asset.Tokens[j]
		if token.Disabled {
			continue
		}
		if token.Symbol == "" {
			token.Symbol = asset.Symbol
		}
		if token.Name == "" {
			token.Name = asset.Name
		}
		if token.Address == "" {
			return fmt.Errorf("missing %s token address for blockchain with id %d", token.Name, token.BlockchainID)
		}
		if !contractAddressRegex.MatchString(token.Address) {
			return fmt.Errorf("invalid %s token address '%s' for blockchain with id %d", token.Name, token.Address, token.BlockchainID)
		}
	}
	return nil
}

// GetAssetTokenByAddressAndChainID finds the enabled token deployed at
// tokenAddress on chainID, if any.
func (cfg AssetsConfig) GetAssetTokenByAddressAndChainID(tokenAddress string, chainID uint32) (AssetTokenConfig, bool) {
	for _, asset := range cfg.Assets {
		if asset.Disabled {
			continue
		}
		for _, token := range asset.Tokens {
			if token.Disabled {
				continue
			}
			if token.BlockchainID == chainID && strings.EqualFold(token.Address, tokenAddress) {
				return AssetTokenConfig{Name: asset.Name, Symbol: asset.Symbol, Token: token}, true
			}
		}
	}
	return AssetTokenConfig{}, false
}

// GetAssetTokensByChainID lists every enabled token deployed on chainID.
func (cfg AssetsConfig) GetAssetTokensByChainID(chainID uint32) []AssetTokenConfig {
	var tokens []AssetTokenConfig
	for _, asset := range cfg.Assets {
		if asset.Disabled {
			continue
		}
		for _, token := range asset.Tokens {
			if !token.Disabled && token.BlockchainID == chainID {
				tokens = append(tokens, AssetTokenConfig{Name: asset.Name, Symbol: asset.Symbol, Token: token})
			}
		}
	}
	return tokens
}
