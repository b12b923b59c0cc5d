package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BlockchainActionType string
type BlockchainActionStatus string

const (
	ActionTypeCheckpoint BlockchainActionType = "checkpoint"
)

const (
	StatusPending   BlockchainActionStatus = "pending"
	StatusCompleted BlockchainActionStatus = "completed"
	StatusFailed    BlockchainActionStatus = "failed"
)

// BlockchainAction queues a write that still needs to be broadcast to a
// chain, so a crashed or restarted broker can resume the queue instead of
// losing the intent.
type BlockchainAction struct {
	ID        int64                  `gorm:"primary_key"`
	Type      BlockchainActionType   `gorm:"column:action_type;not null"`
	ChannelID common.Hash            `gorm:"column:channel_id;not null"`
	ChainID   uint32                 `gorm:"column:chain_id;not null"`
	Data      datatypes.JSON         `gorm:"column:action_data;type:text;not null"`
	Status    BlockchainActionStatus `gorm:"column:status;not null"`
	Retries   int                    `gorm:"column:retry_count;default:0"`
	Error     string                 `gorm:"column:last_error;type:text"`
	TxHash    common.Hash            `gorm:"column:transaction_hash"`
	CreatedAt time.Time              `gorm:"column:created_at"`
	UpdatedAt time.Time              `gorm:"column:updated_at"`
}

func (BlockchainAction) TableName() string {
	return "blockchain_actions"
}

// CheckpointData is the payload of an ActionTypeCheckpoint action: the
// off-chain state plus both signatures needed to checkpoint it on-chain.
type CheckpointData struct {
	State     UnsignedState `json:"state"`
	UserSig   Signature     `json:"user_sig"`
	ServerSig Signature     `json:"server_sig"`
}

// touch stamps the action as updated now and persists it.
func (a *BlockchainAction) touch(tx *gorm.DB) error {
	a.UpdatedAt = time.Now()
	return tx.Save(a).Error
}

func CreateCheckpoint(tx *gorm.DB, channel common.Hash, chainID uint32, state UnsignedState, userSig, serverSig Signature) error {
	payload, err := json.Marshal(CheckpointData{State: state, UserSig: userSig, ServerSig: serverSig})
	if err != nil {
		return fmt.Errorf("marshal checkpoint data: %w", err)
	}

	now := time.Now()
	action := &BlockchainAction{
		Type:      ActionTypeCheckpoint,
		ChannelID: channel,
		ChainID:   chainID,
		Data:      payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	return tx.Create(action).Error
}

// Fail records a failed broadcast attempt: it marks the action StatusFailed
// and increments Retries. getActionsForChain selects only pending actions,
// so a failed action is not picked up again.
func (a *BlockchainAction) Fail(tx *gorm.DB, reason string) error {
	a.Status = StatusFailed
	a.Error = reason
	a.Retries++
	return a.touch(tx)
}

// FailNoRetry marks the action StatusFailed without incrementing Retries,
// for errors the caller has decided not to retry.
func (a *BlockchainAction) FailNoRetry(tx *gorm.DB, reason string) error {
	a.Status = StatusFailed
	a.Error = reason
	return a.touch(tx)
}

// RecordAttempt records an intermediate failure and increments Retries while
// leaving Status as-is, so a pending action is picked up again on a later
// worker pass.
func (a *BlockchainAction) RecordAttempt(tx *gorm.DB, reason string) error {
	a.Retries++
	a.Error = reason
	return a.touch(tx)
}

func (a *BlockchainAction) Complete(tx *gorm.DB, txHash common.Hash) error {
	a.Status = StatusCompleted
	a.TxHash = txHash
	a.Error = ""
	return a.touch(tx)
}

func getActionsForChain(db *gorm.DB, chainID uint32, limit int) ([]BlockchainAction, error) {
	query := db.Where("status = ? AND chain_id = ?", StatusPending, chainID).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var actions []BlockchainAction
	if err := query.Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("query pending actions for chain %d: %w", chainID, err)
	}
	return actions, nil
}
