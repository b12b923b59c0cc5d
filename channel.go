package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ChannelStatus is the lifecycle state of a ledger channel row.
type ChannelStatus string

const (
	ChannelStatusOpen       ChannelStatus = "open"
	ChannelStatusClosed     ChannelStatus = "closed"
	ChannelStatusResizing   ChannelStatus = "resizing"
	ChannelStatusChallenged ChannelStatus = "challenged"
)

// Channel is the broker's record of one on-chain state channel: its
// counterparty, funded asset and amount, and the most recent mutually (or
// unilaterally, in the challenged case) signed state.
type Channel struct {
	ChannelID            string          `gorm:"column:channel_id;primaryKey;"`
	ChainID              uint32          `gorm:"column:chain_id;not null"`
	Token                string          `gorm:"column:token;not null"`
	Wallet               string          `gorm:"column:wallet;not null"`
	Participant          string          `gorm:"column:participant;not null"`
	// RawAmount is the on-chain wei amount; varchar(78) accommodates
	// sqlite, which has no native big-decimal column type.
	RawAmount            decimal.Decimal `gorm:"column:raw_amount;type:varchar(78);not null"`
	Status               ChannelStatus   `gorm:"column:status;not null;"`
	Challenge            uint64          `gorm:"column:challenge;default:0"`
	Nonce                uint64          `gorm:"column:nonce;default:0"`
	Adjudicator          string          `gorm:"column:adjudicator;not null"`
	State                UnsignedState   `gorm:"column:state;type:text;not null"`
	ServerStateSignature *Signature      `gorm:"column:server_state_signature;type:text"`
	UserStateSignature   *Signature      `gorm:"column:user_state_signature;type:text"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (Channel) TableName() string {
	return "channels"
}

// CreateChannel inserts a new open channel row seeded with its initial
// unsigned state.
func CreateChannel(tx *gorm.DB, channelID, wallet, participantSigner string, nonce uint64, challenge uint64, adjudicator string, chainID uint32, tokenAddress string, amount decimal.Decimal, state UnsignedState) (Channel, error) {
	now := time.Now()
	channel := Channel{
		ChannelID:   channelID,
		Wallet:      wallet,
		Participant: participantSigner,
		ChainID:     chainID,
		Status:      ChannelStatusOpen,
		Nonce:       nonce,
		Adjudicator: adjudicator,
		Challenge:   challenge,
		Token:       tokenAddress,
		RawAmount:   amount,
		State:       state,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := tx.Create(&channel).Error; err != nil {
		return Channel{}, fmt.Errorf("failed to create channel: %w", err)
	}
	return channel, nil
}

// GetChannelByID fetches a single channel by its primary key.
func GetChannelByID(tx *gorm.DB, channelID string) (*Channel, error) {
	var channel Channel
	if err := tx.Where("channel_id = ?", channelID).First(&channel).Error; err != nil {
		return nil, err
	}
	return &channel, nil
}

// listChannelsByWallet filters channels by wallet and/or status, either of
// which may be left blank to skip that predicate.
func listChannelsByWallet(tx *gorm.DB, wallet string, status string) ([]Channel, error) {
	q := tx
	if wallet != "" {
		q = q.Where("wallet = ?", wallet)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var channels []Channel
	if err := q.Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("error finding channels for a wallet %s: %w", wallet, err)
	}
	return channels, nil
}

// CheckExistingChannels reports the open channel (if any) a wallet already
// holds against the broker for a given token on a given chain; the broker
// only ever lets one open channel per (wallet, token, chain) triple exist
// at a time.
func CheckExistingChannels(tx *gorm.DB, wallet, token string, chainID uint32) (*Channel, error) {
	var channel Channel
	err := tx.Where("wallet = ? AND token = ? AND chain_id = ? AND status = ?", wallet, token, chainID, ChannelStatusOpen).
		First(&channel).Error
	switch {
	case err == nil:
		return &channel, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("error checking for existing open channel: %w", err)
	}
}

// ChannelAmountSum is the row shape for an aggregate count+sum query over
// channels.
type ChannelAmountSum struct {
	Count int             `gorm:"column:count"`
	Sum   decimal.Decimal `gorm:"column:sum"`
}

// GetChannelAmountSumByWallet totals the funded amount across every open or
// resizing channel a wallet holds.
func GetChannelAmountSumByWallet(tx *gorm.DB, senderWallet string) (ChannelAmountSum, error) {
	var result ChannelAmountSum
	err := tx.Model(&Channel{}).
		Select("COUNT(channel_id) as count, COALESCE(SUM(CAST(raw_amount AS NUMERIC)), 0) as sum").
		Where("wallet = ? AND status IN (?, ?)", senderWallet, ChannelStatusOpen, ChannelStatusResizing).
		Scan(&result).Error
	if err != nil {
		return ChannelAmountSum{}, fmt.Errorf("error calculating channel amount sum: %w", err)
	}
	return result, nil
}
