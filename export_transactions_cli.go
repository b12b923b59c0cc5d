package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gorm.io/gorm"
)

// LedgerExportFilter selects which ledger transactions a CSV dump covers.
type LedgerExportFilter struct {
	AccountID   string
	AssetSymbol string
	TxType      *TransactionType
	OutputDir   string
}

var ledgerCSVColumns = []string{
	"ID", "Type", "FromAccount", "FromAccountTag", "ToAccount", "ToAccountTag",
	"AssetSymbol", "Amount", "CreatedAt",
}

// LedgerCSVExporter writes a wallet's ledger history to CSV, one row per
// transaction, for offline reconciliation or support requests.
type LedgerCSVExporter struct {
	db *gorm.DB
}

func NewLedgerCSVExporter(db *gorm.DB, logger Logger) *LedgerCSVExporter {
	return &LedgerCSVExporter{db: db}
}

func ledgerTransactionRow(tx LedgerTransaction) []string {
	return []string{
		fmt.Sprintf("%d", tx.ID),
		tx.Type.String(),
		tx.FromAccount,
		tx.FromAccountTag,
		tx.ToAccount,
		tx.ToAccountTag,
		tx.AssetSymbol,
		tx.Amount.String(),
		tx.CreatedAt.String(),
	}
}

func (e *LedgerCSVExporter) WriteTo(writer io.Writer, filter LedgerExportFilter) error {
	transactions, err := GetLedgerTransactionsWithTags(e.db, NewAccountID(filter.AccountID), filter.AssetSymbol, filter.TxType)
	if err != nil {
		return fmt.Errorf("failed to get transactions: %w", err)
	}

	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	if err := csvWriter.Write(ledgerCSVColumns); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}

	for _, tx := range transactions {
		if err := csvWriter.Write(ledgerTransactionRow(tx)); err != nil {
			return fmt.Errorf("failed to write row to CSV: %w", err)
		}
	}
	return nil
}

// DumpToFile renders the filtered history to a new CSV file under
// filter.OutputDir and returns its path.
func (e *LedgerCSVExporter) DumpToFile(filter LedgerExportFilter) (string, error) {
	if err := os.MkdirAll(filter.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", filter.OutputDir, err)
	}

	fileName := filepath.Join(filter.OutputDir, fmt.Sprintf("transactions_%s.csv", filter.AccountID))
	file, err := os.Create(fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file %s: %w", fileName, err)
	}
	defer file.Close()

	if err := e.WriteTo(file, filter); err != nil {
		return "", fmt.Errorf("failed to export to CSV: %w", err)
	}

	return fileName, nil
}

func parseExportTransactionsArgs(logger Logger) LedgerExportFilter {
	if len(os.Args) < 3 || len(os.Args) > 5 {
		logger.Fatal("Usage: clearnode export-transactions <accountID> [asset] [txType]")
	}

	filter := LedgerExportFilter{
		AccountID: os.Args[2],
		OutputDir: "csv_export",
	}

	if len(os.Args) > 3 {
		filter.AssetSymbol = os.Args[3]
	}
	if len(os.Args) > 4 {
		parsedType, err := parseLedgerTransactionType(os.Args[4])
		if err != nil {
			logger.Fatal("Invalid transaction type", "type", os.Args[4], "error", err)
		}
		filter.TxType = &parsedType
	}

	return filter
}

func runExportTransactionsCli(logger Logger) {
	logger = logger.NewSystem("export-transactions")
	filter := parseExportTransactionsArgs(logger)

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	fileName, err := NewLedgerCSVExporter(db, logger).DumpToFile(filter)
	if err != nil {
		logger.Fatal("Failed to export transactions", "error", err)
	}
	logger.Info("Successfully exported transactions", "file", fileName)
}
