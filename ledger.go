package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	ErrGetAccountBalance = "failed to get account balance"
	ErrRecordLedgerEntry = "failed to record a ledger entry"
)

// Entry is a single credit or debit line against one account/asset pair.
// A balance is never stored directly; it is always derived by summing
// Entry rows, so the ledger itself is append-only.
type Entry struct {
	ID          uint            `gorm:"primaryKey"`
	AccountID   string          `gorm:"column:account_id;not null;index:idx_account_asset_symbol;index:idx_account_wallet"`
	AccountType AccountType     `gorm:"column:account_type;not null"`
	AssetSymbol string          `gorm:"column:asset_symbol;not null;index:idx_account_asset_symbol"`
	Wallet      string          `gorm:"column:wallet;not null;index:idx_account_wallet"`
	Credit      decimal.Decimal `gorm:"column:credit;type:varchar(78);not null"`
	Debit       decimal.Decimal `gorm:"column:debit;type:varchar(78);not null"`
	SessionKey  *string         `gorm:"column:session_key;index:idx_session_key"`
	CreatedAt   time.Time
}

func (Entry) TableName() string {
	return "ledger"
}

// WalletLedger scopes ledger reads and writes to one wallet.
type WalletLedger struct {
	wallet common.Address
	db     *gorm.DB
}

// AccountID identifies a ledger account — a wallet address, a channel ID
// (the channel's escrow account) or an application session ID. Kept as its own type (rather than a bare string)
// so hex wallet addresses always pass through NewAccountID's normalization
// instead of being compared case-sensitively by accident.
type AccountID string

func NewAccountID(raw string) AccountID {
	if !common.IsHexAddress(raw) {
		return AccountID(raw)
	}
	return AccountID(common.HexToAddress(raw).Hex())
}

func (a AccountID) String() string {
	return string(a)
}

func GetWalletLedger(db *gorm.DB, wallet common.Address) *WalletLedger {
	return &WalletLedger{wallet: wallet, db: db}
}

// Record appends a single Entry for amount, routing a positive amount to
// the credit column and a negative one to debit. A zero amount is a no-op
// rather than an empty row.
func (l *WalletLedger) Record(accountID AccountID, assetSymbol string, amount decimal.Decimal, sessionKey *string) error {
	if amount.IsZero() {
		return nil
	}

	entry := &Entry{
		AccountID:   accountID.String(),
		Wallet:      l.wallet.Hex(),
		AssetSymbol: assetSymbol,
		Credit:      decimal.Zero,
		Debit:       decimal.Zero,
		SessionKey:  sessionKey,
		CreatedAt:   time.Now(),
	}
	if amount.IsPositive() {
		entry.Credit = amount
	} else {
		entry.Debit = amount.Abs()
	}

	logger := LoggerFromContext(context.Background())
	logger.Debug("recording ledger entry",
		"wallet", l.wallet.Hex(), "account", accountID, "asset", assetSymbol, "amount", amount)

	if err := l.db.Create(entry).Error; err != nil {
		return RPCErrorf(ErrRecordLedgerEntry+" : %w", err)
	}
	return nil
}

// Balance sums credits minus debits for one account/asset pair. Postgres
// can do the arithmetic in SQL; sqlite's NUMERIC handling loses precision
// on large decimals, so there the rows are pulled and summed in Go instead.
func (l *WalletLedger) Balance(accountID AccountID, assetSymbol string) (decimal.Decimal, error) {
	switch l.db.Dialector.Name() {
	case "postgres":
		return l.balanceViaSQL(accountID, assetSymbol)
	case "sqlite":
		return l.balanceInMemory(accountID, assetSymbol)
	default:
		return decimal.Zero, fmt.Errorf("unsupported database driver: %s", l.db.Dialector.Name())
	}
}

func (l *WalletLedger) balanceViaSQL(accountID AccountID, assetSymbol string) (decimal.Decimal, error) {
	var result struct {
		Balance decimal.Decimal
	}
	err := l.db.Model(&Entry{}).
		Where("account_id = ? AND asset_symbol = ? AND wallet = ?", accountID.String(), assetSymbol, l.wallet.Hex()).
		Select("COALESCE(SUM(credit), 0) - COALESCE(SUM(debit), 0) AS balance").
		Scan(&result).Error
	if err != nil {
		return decimal.Zero, err
	}
	return result.Balance, nil
}

func (l *WalletLedger) balanceInMemory(accountID AccountID, assetSymbol string) (decimal.Decimal, error) {
	var entries []Entry
	err := l.db.Model(&Entry{}).
		Where("account_id = ? AND asset_symbol = ? AND wallet = ?", accountID.String(), assetSymbol, l.wallet.Hex()).
		Find(&entries).Error
	if err != nil {
		return decimal.Zero, err
	}

	balance := decimal.Zero
	for _, entry := range entries {
		balance = balance.Add(entry.Credit).Sub(entry.Debit)
	}
	return balance, nil
}

func (l *WalletLedger) GetBalances(accountID AccountID) ([]Balance, error) {
	rows, err := sumByAsset(l.db.Where("wallet = ?", l.wallet.Hex()), accountID.String())
	if err != nil {
		return nil, err
	}

	balances := make([]Balance, len(rows))
	for i, r := range rows {
		balances[i] = Balance{Asset: r.Asset, Amount: r.Balance}
	}
	return balances, nil
}

func (l *WalletLedger) GetEntries(accountID *AccountID, assetSymbol string) ([]Entry, error) {
	q := l.db.Model(&Entry{})

	if accountID != nil && accountID.String() != "" {
		q = q.Where("account_id = ?", accountID.String())
	}
	if l.wallet.Hex() != common.HexToAddress("").Hex() {
		q = q.Where("wallet = ?", l.wallet.Hex())
	}
	if assetSymbol != "" {
		q = q.Where("asset_symbol = ?", assetSymbol)
	}

	var entries []Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

type assetBalanceRow struct {
	Asset   string          `gorm:"column:asset_symbol"`
	Balance decimal.Decimal `gorm:"column:balance"`
}

// sumByAsset groups every entry for accountID under scope into a
// per-asset-symbol balance.
func sumByAsset(scope *gorm.DB, accountID string) ([]assetBalanceRow, error) {
	var rows []assetBalanceRow
	err := scope.
		Model(&Entry{}).
		Where("account_id = ?", accountID).
		Select("asset_symbol", "COALESCE(SUM(credit),0) - COALESCE(SUM(debit),0) AS balance").
		Group("asset_symbol").
		Scan(&rows).Error
	return rows, err
}

func getAppSessionBalances(tx *gorm.DB, appSessionID AccountID) (map[string]decimal.Decimal, error) {
	rows, err := sumByAsset(tx, appSessionID.String())
	if err != nil {
		return nil, RPCErrorf("failed to fetch balances for account %s: %w", appSessionID, err)
	}

	result := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		result[r.Asset] = r.Balance
	}
	return result, nil
}
