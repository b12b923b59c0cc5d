package main

// Ledger accounts follow the DEAD/CLIC mnemonic for double-entry postings:
// Debit increases Expense, Asset, Drawing; Credit increases Liability,
// Income, Capital.
//
//	            Debit      Credit
//	Asset       Increase   Decrease
//	Liability   Decrease   Increase
//	Capital     Decrease   Increase
//	Revenue     Decrease   Increase
//	Expense     Increase   Decrease

// AccountType classifies a ledger account into one of the five standard
// accounting categories, numbered in blocks of 1000 to leave room for
// subtypes within each category.
type AccountType uint16

const (
	AccountTypeAsset     AccountType = 1000
	AccountTypeLiability AccountType = 2000
	AccountTypeEquity    AccountType = 3000
	AccountTypeRevenue   AccountType = 4000
	AccountTypeExpense   AccountType = 5000
)

// normalIncreasesOnDebit reports whether a debit posting increases (true) or
// decreases (false) the balance of accounts of this type.
func (t AccountType) normalIncreasesOnDebit() bool {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return true
	default:
		return false
	}
}
