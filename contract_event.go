package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrEventHasAlreadyBeenProcessed = errors.New("contract event has already been processed")

// ContractEvent is the durable, deduplicated record of a custody contract
// log the event listener has already applied to the ledger. The
// (chain_id, transaction_hash, log_index) triple is the dedup key: a log
// re-delivered after a chain reorg or a listener restart is recognized and
// skipped rather than applied twice.
type ContractEvent struct {
	ID              int64          `gorm:"primary_key;column:id"`
	ContractAddress string         `gorm:"column:contract_address"`
	ChainID         uint32         `gorm:"column:chain_id"`
	Name            string         `gorm:"column:name"`
	BlockNumber     uint64         `gorm:"column:block_number"`
	TransactionHash string         `gorm:"column:transaction_hash"`
	LogIndex        uint32         `gorm:"column:log_index"`
	Data            datatypes.JSON `gorm:"column:data"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
}

func (ContractEvent) TableName() string {
	return "contract_events"
}

// StoreContractEvent persists a processed contract event within the
// caller's transaction.
func StoreContractEvent(tx *gorm.DB, event *ContractEvent) error {
	return tx.Create(event).Error
}

// MarshalEvent serializes a go-ethereum bound-contract event struct for
// storage, stripping its embedded types.Log (field "Raw") first since that
// struct carries no information beyond what ContractEvent's own columns
// already capture and would otherwise bloat the stored payload.
func MarshalEvent[T any](event T) ([]byte, error) {
	val := reflect.ValueOf(event)
	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input must be a struct, but got %T", event)
	}

	stripped := reflect.New(val.Type()).Elem()
	stripped.Set(val)

	if rawField := stripped.FieldByName("Raw"); rawField.IsValid() {
		if !rawField.CanSet() {
			return nil, fmt.Errorf("cannot set 'Raw' field on type %s", val.Type())
		}
		rawField.Set(reflect.Zero(rawField.Type()))
	}

	return json.Marshal(stripped.Interface())
}

// GetLatestContractEvent returns the most recent event recorded for a
// contract on a chain, or nil if none has been recorded yet.
func GetLatestContractEvent(db *gorm.DB, contractAddress string, chainID uint32) (*ContractEvent, error) {
	var ev ContractEvent
	err := db.Where("chain_id = ? AND contract_address = ?", chainID, contractAddress).
		Order("block_number DESC, log_index DESC").
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &ev, err
}

// IsContractEventPresent reports whether a log at this exact chain,
// transaction, and log index has already been recorded.
func IsContractEventPresent(db *gorm.DB, chainID uint32, txHash string, logIndex uint32) (bool, error) {
	var count int64
	err := db.Model(&ContractEvent{}).
		Where("chain_id = ? AND transaction_hash = ? AND log_index = ?", chainID, txHash, logIndex).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
