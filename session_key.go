package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var AppNameClearnode = "clearnode"

var (
	ErrSessionKeyExistsAndExpired = RPCErrorf("session key already exists but is expired")
	ErrSignerUsedForAnotherWallet = RPCErrorf("signer is already in use for another wallet")
)

// SessionKey is a delegated signer a wallet has authorized to act on its
// behalf within a scope, allowance, and expiry — the credential an
// application session signs its state updates with instead of the wallet's
// own key.
type SessionKey struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	Address string `gorm:"column:address;uniqueIndex;not null"`

	WalletAddress string    `gorm:"column:wallet_address;index;not null"`
	Application   string    `gorm:"column:application;not null"`
	Allowance     *string   `gorm:"column:allowance;type:jsonb"` // JSON-encoded []Allowance
	Scope         string    `gorm:"column:scope;not null;"`
	ExpiresAt     time.Time `gorm:"column:expires_at;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SessionKey) TableName() string {
	return "session_keys"
}

// sessionKeyCacheEntry is the in-memory shadow of a live SessionKey row,
// letting CheckSessionKeyExists and GetWalletBySessionKey avoid a DB round
// trip on the hot auth path.
type sessionKeyCacheEntry struct {
	wallet    string
	expiresAt time.Time
}

var sessionKeyCache sync.Map // address -> sessionKeyCacheEntry

func cacheSessionKey(address, wallet string, expiresAt time.Time) {
	sessionKeyCache.Store(address, sessionKeyCacheEntry{wallet: wallet, expiresAt: expiresAt})
}

func lookupCachedSessionKey(address string) (sessionKeyCacheEntry, bool) {
	v, ok := sessionKeyCache.Load(address)
	if !ok {
		return sessionKeyCacheEntry{}, false
	}
	return v.(sessionKeyCacheEntry), true
}

// loadSessionKeyCache warms the cache from every not-yet-expired row, so a
// server restart doesn't force every session key through a DB lookup again.
func loadSessionKeyCache(db *gorm.DB) error {
	var sessionKeys []SessionKey
	if err := db.Where("expires_at > ?", time.Now().UTC()).Find(&sessionKeys).Error; err != nil {
		return err
	}
	for _, sk := range sessionKeys {
		cacheSessionKey(sk.Address, sk.WalletAddress, sk.ExpiresAt)
	}
	return nil
}

// AddSessionKey registers a new session key for a wallet+application pair.
// Only one session key per wallet+application combination is live at a
// time: registering a new one deletes and cache-evicts any prior ones.
func AddSessionKey(db *gorm.DB, walletAddress, address, applicationName, scope string, allowances []Allowance, expirationTime time.Time) error {
	expirationTime = expirationTime.UTC()
	if isExpired(expirationTime) {
		return RPCErrorf("expiration time must be set and in the future")
	}

	if scope == "" {
		scope = "all"
	}

	allowanceJSON, err := json.Marshal(allowances)
	if err != nil {
		return fmt.Errorf("serialize session key allowance: %w", err)
	}
	allowanceStr := string(allowanceJSON)

	var evicted []string
	err = db.Transaction(func(tx *gorm.DB) error {
		var priorKeys []SessionKey
		if err := tx.Where("wallet_address = ? AND application = ?", walletAddress, applicationName).
			Find(&priorKeys).Error; err != nil {
			return fmt.Errorf("check existing session keys: %w", err)
		}

		for _, prior := range priorKeys {
			if err := tx.Delete(&prior).Error; err != nil {
				return fmt.Errorf("revoke existing session key: %w", err)
			}
			evicted = append(evicted, prior.Address)
		}

		return tx.Create(&SessionKey{
			Address:       address,
			WalletAddress: walletAddress,
			Application:   applicationName,
			Allowance:     &allowanceStr,
			Scope:         scope,
			ExpiresAt:     expirationTime,
		}).Error
	})
	if err != nil {
		return err
	}

	// only touch the cache after the transaction has actually committed
	for _, addr := range evicted {
		sessionKeyCache.Delete(addr)
	}
	cacheSessionKey(address, walletAddress, expirationTime)
	return nil
}

// CheckSessionKeyExists reports whether sessionKeyAddress is already
// registered for walletAddress. The in-memory cache is checked first; a
// cache miss falls back to the database to catch keys that expired before
// the process last restarted and were never reloaded into the cache.
func CheckSessionKeyExists(db *gorm.DB, walletAddress, sessionKeyAddress string) (bool, error) {
	if entry, ok := lookupCachedSessionKey(sessionKeyAddress); ok {
		return validateSessionKeyOwner(entry.wallet, entry.expiresAt, walletAddress)
	}

	var existing SessionKey
	if err := db.Where("address = ?", sessionKeyAddress).First(&existing).Error; err != nil {
		return false, nil
	}
	return validateSessionKeyOwner(existing.WalletAddress, existing.ExpiresAt, walletAddress)
}

// validateSessionKeyOwner decides CheckSessionKeyExists's verdict once a
// matching key (cached or loaded) has been found for sessionKeyAddress.
func validateSessionKeyOwner(registeredWallet string, expiresAt time.Time, walletAddress string) (bool, error) {
	if registeredWallet != walletAddress {
		return false, ErrSignerUsedForAnotherWallet
	}
	if isExpired(expiresAt) {
		return false, ErrSessionKeyExistsAndExpired
	}
	return true, nil
}

// isExpired reports whether expiresAt has already passed.
func isExpired(expiresAt time.Time) bool {
	return time.Now().UTC().After(expiresAt)
}

// GetWalletBySessionKey resolves a signer address to its delegating wallet,
// purging the cache entry in passing if it has expired.
func GetWalletBySessionKey(sessionKeyAddress string) string {
	entry, ok := lookupCachedSessionKey(sessionKeyAddress)
	if !ok {
		return ""
	}
	if isExpired(entry.expiresAt) {
		sessionKeyCache.Delete(sessionKeyAddress)
		return ""
	}
	return entry.wallet
}

// GetSessionKeysByWallet lists every session key ever issued for a wallet,
// newest first, regardless of expiry.
func GetSessionKeysByWallet(db *gorm.DB, walletAddress string) ([]SessionKey, error) {
	var sessionKeys []SessionKey
	if err := db.Where("wallet_address = ?", walletAddress).
		Order("created_at DESC").
		Find(&sessionKeys).Error; err != nil {
		return nil, fmt.Errorf("retrieve session keys for wallet %s: %w", walletAddress, err)
	}
	return sessionKeys, nil
}

// GetActiveSessionKeysByWallet lists a wallet's non-expired session keys,
// newest first, optionally paginated by listOpts.
func GetActiveSessionKeysByWallet(db *gorm.DB, walletAddress string, listOpts *ListOptions) ([]SessionKey, error) {
	query := db.Where("wallet_address = ? AND expires_at > ?", walletAddress, time.Now().UTC()).
		Order("created_at DESC")

	if listOpts != nil {
		if listOpts.Limit > 0 {
			query = query.Limit(int(listOpts.Limit))
		}
		if listOpts.Offset > 0 {
			query = query.Offset(int(listOpts.Offset))
		}
	}

	var sessionKeys []SessionKey
	if err := query.Find(&sessionKeys).Error; err != nil {
		return nil, fmt.Errorf("retrieve active session keys for wallet %s: %w", walletAddress, err)
	}
	return sessionKeys, nil
}

// GetSessionKeyIfActive loads a session key by address, rejecting it if
// expired — unless it belongs to the clearnode application itself, which
// never expires out of its own session.
func GetSessionKeyIfActive(db *gorm.DB, sessionKeyAddress string) (*SessionKey, error) {
	var sk SessionKey
	if err := db.Where("address = ?", sessionKeyAddress).First(&sk).Error; err != nil {
		return nil, fmt.Errorf("retrieve session key %s: %w", sessionKeyAddress, err)
	}

	if sk.Application != AppNameClearnode && isExpired(sk.ExpiresAt) {
		return nil, fmt.Errorf("session key expired")
	}

	return &sk, nil
}

// GetActiveSessionKeyForWallet loads a session key, validating it both
// belongs to walletAddress and is still active.
func GetActiveSessionKeyForWallet(tx *gorm.DB, sessionKeyAddress, walletAddress string) (*SessionKey, error) {
	var sk SessionKey
	if err := tx.Where("address = ? AND wallet_address = ?", sessionKeyAddress, walletAddress).
		First(&sk).Error; err != nil {
		return nil, fmt.Errorf("session key not found for wallet")
	}

	if isExpired(sk.ExpiresAt) {
		return nil, fmt.Errorf("session key expired")
	}

	return &sk, nil
}

// CalculateSessionKeySpending sums the ledger debits a session key has
// incurred against a single asset.
func CalculateSessionKeySpending(db *gorm.DB, sessionKeyAddress string, assetSymbol string) (decimal.Decimal, error) {
	var result struct {
		TotalSpent decimal.Decimal
	}

	err := db.Model(&Entry{}).
		Where("session_key = ? AND asset_symbol = ?", sessionKeyAddress, assetSymbol).
		Select("COALESCE(SUM(debit), 0) AS total_spent").
		Scan(&result).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("calculate session key spending: %w", err)
	}

	return result.TotalSpent, nil
}

// ValidateSessionKeySpending rejects a proposed spend that would push a
// session key's lifetime debits past its configured allowance for
// assetSymbol. Clearnode's own session keys are exempt from allowances.
func ValidateSessionKeySpending(db *gorm.DB, sessionKey *SessionKey, assetSymbol string, requestedAmount decimal.Decimal) error {
	if sessionKey.Application == AppNameClearnode {
		return nil
	}

	if sessionKey.Allowance == nil {
		return fmt.Errorf("operation denied: session key has no allowance configured")
	}

	var allowances []Allowance
	if err := json.Unmarshal([]byte(*sessionKey.Allowance), &allowances); err != nil {
		return fmt.Errorf("parse session key allowance: %w", err)
	}

	allowedAmount, err := allowedAmountFor(allowances, assetSymbol)
	if err != nil {
		return err
	}

	currentSpending, err := CalculateSessionKeySpending(db, sessionKey.Address, assetSymbol)
	if err != nil {
		return err
	}

	if newTotal := currentSpending.Add(requestedAmount); newTotal.GreaterThan(allowedAmount) {
		return fmt.Errorf("operation denied: insufficient session key allowance: %s required, %s available",
			requestedAmount, allowedAmount.Sub(currentSpending))
	}

	return nil
}

// allowedAmountFor finds and parses the allowance cap for assetSymbol.
func allowedAmountFor(allowances []Allowance, assetSymbol string) (decimal.Decimal, error) {
	for _, allowance := range allowances {
		if allowance.Asset != assetSymbol {
			continue
		}
		amount, err := decimal.NewFromString(allowance.Amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("operation denied: parse allowed amount: %w", err)
		}
		return amount, nil
	}
	return decimal.Zero, fmt.Errorf("operation denied: asset %s not allowed in session key spending cap", assetSymbol)
}

// ValidateSessionKeyApplication rejects a session key presented for an
// application other than the one it was issued for, unless it is a
// clearnode session key, which is valid for any application.
func ValidateSessionKeyApplication(sessionKey *SessionKey, appApplication string) error {
	if sessionKey.Application == AppNameClearnode {
		return nil
	}

	if sessionKey.Application != appApplication {
		return fmt.Errorf("session key application mismatch: session key is for '%s', but app session is for '%s'",
			sessionKey.Application, appApplication)
	}

	return nil
}

// RevokeSessionKeyFromDB immediately expires a session key by setting its
// expiry to now, rather than deleting the row outright.
func RevokeSessionKeyFromDB(tx *gorm.DB, sessionKeyAddress string) error {
	now := time.Now().UTC()
	if err := tx.Model(&SessionKey{}).
		Where("address = ?", sessionKeyAddress).
		Update("expires_at", now).Error; err != nil {
		return fmt.Errorf("revoke session key: %w", err)
	}
	return nil
}
