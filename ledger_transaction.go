package main

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionType classifies a LedgerTransaction. Values are grouped by
// hundreds (1xx transfers, 2xx custody deposits/withdrawals, 3xx
// application-session deposits/withdrawals, 4xx escrow) so a new member of
// an existing group never collides with another group's range.
type TransactionType int

const (
	TransactionTypeTransfer      TransactionType = 100
	TransactionTypeDeposit       TransactionType = 201
	TransactionTypeWithdrawal    TransactionType = 202
	TransactionTypeAppDeposit    TransactionType = 301
	TransactionTypeAppWithdrawal TransactionType = 302
	TransactionTypeEscrowLock    TransactionType = 401
	TransactionTypeEscrowUnlock  TransactionType = 402
)

// transactionTypeNames is the single source of truth for TransactionType's
// wire representation; String and parseLedgerTransactionType both derive
// from it instead of keeping two hand-written switches in sync.
var transactionTypeNames = map[TransactionType]string{
	TransactionTypeTransfer:      "transfer",
	TransactionTypeDeposit:       "deposit",
	TransactionTypeWithdrawal:    "withdrawal",
	TransactionTypeAppDeposit:    "app_deposit",
	TransactionTypeAppWithdrawal: "app_withdrawal",
	TransactionTypeEscrowLock:    "escrow_lock",
	TransactionTypeEscrowUnlock:  "escrow_unlock",
}

// String renders the wire name for t, or "" if t is not a known type.
func (t TransactionType) String() string {
	return transactionTypeNames[t]
}

var ErrInvalidLedgerTransactionType = RPCErrorf("invalid ledger transaction type")

const errRecordTransaction = "failed to record transaction"

// parseLedgerTransactionType resolves a wire transaction type name back to
// its TransactionType.
func parseLedgerTransactionType(s string) (TransactionType, error) {
	for t, name := range transactionTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, ErrInvalidLedgerTransactionType
}

// LedgerTransaction is an immutable audit record of a single ledger
// movement between two accounts — the append-only history backing a
// wallet's or channel's balance.
type LedgerTransaction struct {
	ID          uint            `gorm:"primaryKey"`
	Type        TransactionType `gorm:"column:tx_type;not null;index:idx_type;index:idx_from_to_account"`
	FromAccount string          `gorm:"column:from_account;not null;index:idx_from_account;index:idx_from_to_account"`
	ToAccount   string          `gorm:"column:to_account;not null;index:idx_to_account;index:idx_from_to_account"`
	AssetSymbol string          `gorm:"column:asset_symbol;not null"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(38,18);not null"`
	CreatedAt   time.Time
}

func (LedgerTransaction) TableName() string {
	return "ledger_transactions"
}

// RecordLedgerTransaction writes an audit entry for a ledger movement.
// Amount is always stored as its absolute value — direction is carried by
// FromAccount/ToAccount, not by sign.
func RecordLedgerTransaction(tx *gorm.DB, txType TransactionType, fromAccount, toAccount AccountID, assetSymbol string, amount decimal.Decimal) (*LedgerTransaction, error) {
	transaction := &LedgerTransaction{
		Type:        txType,
		FromAccount: fromAccount.String(),
		ToAccount:   toAccount.String(),
		AssetSymbol: assetSymbol,
		Amount:      amount.Abs(),
	}

	if err := tx.Create(transaction).Error; err != nil {
		return nil, RPCErrorf(errRecordTransaction+" : %w", err)
	}
	return transaction, nil
}

// TransactionWithTags joins a LedgerTransaction with the human-readable
// tags (see tag.go) registered for its two accounts, if any.
type TransactionWithTags struct {
	LedgerTransaction
	FromAccountTag string `gorm:"column:from_tag"`
	ToAccountTag   string `gorm:"column:to_tag"`
}

// GetLedgerTransactionsWithTags lists ledger transactions matching the
// given optional filters, left-joined against user_tags so the response
// can show a friendly tag instead of a bare address where one is
// registered.
func GetLedgerTransactionsWithTags(db *gorm.DB, accountID AccountID, assetSymbol string, txType *TransactionType) ([]TransactionWithTags, error) {
	q := db.Model(&LedgerTransaction{}).
		Joins("LEFT JOIN user_tags AS from_tags ON from_tags.wallet = ledger_transactions.from_account").
		Joins("LEFT JOIN user_tags AS to_tags ON to_tags.wallet = ledger_transactions.to_account").
		Select("ledger_transactions.*, from_tags.tag as from_tag, to_tags.tag as to_tag")

	if accountID.String() != "" {
		q = q.Where("from_account = ? OR to_account = ?", accountID.String(), accountID.String())
	}
	if assetSymbol != "" {
		q = q.Where("asset_symbol = ?", assetSymbol)
	}
	if txType != nil {
		q = q.Where("tx_type = ?", txType)
	}

	var transactions []TransactionWithTags
	if err := q.Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}

// FormatTransactions converts tagged ledger rows into their RPC response
// shape.
func FormatTransactions(db *gorm.DB, transactions []TransactionWithTags) ([]TransactionResponse, error) {
	if len(transactions) == 0 {
		return []TransactionResponse{}, nil
	}

	responses := make([]TransactionResponse, len(transactions))
	for i, tx := range transactions {
		responses[i] = TransactionResponse{
			Id:             tx.ID,
			TxType:         tx.Type.String(),
			FromAccount:    tx.FromAccount,
			FromAccountTag: tx.FromAccountTag,
			ToAccount:      tx.ToAccount,
			ToAccountTag:   tx.ToAccountTag,
			Asset:          tx.AssetSymbol,
			Amount:         tx.Amount,
			CreatedAt:      tx.CreatedAt,
		}
	}

	return responses, nil
}
