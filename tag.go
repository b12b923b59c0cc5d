package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"gorm.io/gorm"
)

const (
	userTagLength     = 6
	maxTagGenAttempts = 10
	userTagCharset    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// UserTagModel maps a wallet address to its short, human-shareable tag.
type UserTagModel struct {
	Wallet string `gorm:"column:wallet;primaryKey"`
	Tag    string `gorm:"column:tag;uniqueIndex;not null"`
}

func (UserTagModel) TableName() string {
	return "user_tags"
}

// GenerateOrRetrieveUserTag returns the wallet's existing tag, or mints and
// persists a fresh one. Collisions on the unique tag index are resolved by
// retrying with a new random tag, up to maxTagGenAttempts times.
func GenerateOrRetrieveUserTag(db *gorm.DB, wallet string) (*UserTagModel, error) {
	tx := db.Begin()
	defer tx.Rollback()

	existing, err := lookupUserTag(tx, "wallet = ?", wallet)
	if err != nil {
		return nil, fmt.Errorf("check existing user tag: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	for attempt := 0; attempt < maxTagGenAttempts; attempt++ {
		model := &UserTagModel{Wallet: wallet, Tag: GenerateRandomAlphanumericTag()}
		tx.SavePoint("tag_attempt")
		if err := tx.Create(model).Error; err != nil {
			// likely a unique-index collision on Tag; try a fresh one
			tx.RollbackTo("tag_attempt")
			continue
		}
		if err := tx.Commit().Error; err != nil {
			return nil, fmt.Errorf("commit user tag: %w", err)
		}
		return model, nil
	}

	return nil, fmt.Errorf("generate unique user tag for %s after %d attempts", wallet, maxTagGenAttempts)
}

// GetUserTagByWallet retrieves the tag associated with a wallet address.
func GetUserTagByWallet(db *gorm.DB, wallet string) (string, error) {
	if wallet == "" {
		return "", errors.New("wallet address cannot be empty")
	}

	model, err := lookupUserTag(db, "wallet = ?", wallet)
	if err != nil {
		return "", fmt.Errorf("retrieve user tag: %w", err)
	}
	if model == nil {
		return "", gorm.ErrRecordNotFound
	}
	return model.Tag, nil
}

// GetWalletByTag retrieves the wallet address registered under a tag. Tags
// are stored and compared uppercase, so lookup is case-insensitive.
func GetWalletByTag(db *gorm.DB, tag string) (UserTagModel, error) {
	if tag == "" {
		return UserTagModel{}, errors.New("tag cannot be empty")
	}

	tag = strings.ToUpper(tag)
	model, err := lookupUserTag(db, "tag = ?", tag)
	if err != nil {
		return UserTagModel{}, fmt.Errorf("retrieve wallet for tag: %w", err)
	}
	if model == nil {
		return UserTagModel{}, fmt.Errorf("no associated wallet for tag: %s", tag)
	}
	return *model, nil
}

// lookupUserTag runs a single-row lookup, normalizing gorm.ErrRecordNotFound
// to a nil model instead of an error so callers decide what "not found" means.
func lookupUserTag(db *gorm.DB, query string, arg string) (*UserTagModel, error) {
	var model UserTagModel
	err := db.Where(query, arg).First(&model).Error
	switch {
	case err == nil:
		return &model, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// GenerateRandomAlphanumericTag draws userTagLength characters from
// userTagCharset using crypto/rand, since tags double as unguessable
// account-lookup keys.
func GenerateRandomAlphanumericTag() string {
	maxIndex := big.NewInt(int64(len(userTagCharset)))
	result := make([]byte, userTagLength)

	for i := range result {
		randomIndex, err := rand.Int(rand.Reader, maxIndex)
		if err != nil {
			panic(fmt.Sprintf("generate secure random tag character: %v", err))
		}
		result[i] = userTagCharset[randomIndex.Int64()]
	}
	return string(result)
}
