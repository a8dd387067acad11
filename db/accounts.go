package db

import (
	"fmt"

	"github.com/brettboylen/bluesky-tracker/models"
)

// ActiveAccounts returns the accounts the pipeline should process
func (s *Session) ActiveAccounts() ([]models.Account, error) {
	return FetchMany[models.Account](s, 0, 0, "handle ASC", "is_active = ?", true)
}

// Accounts returns every tracked account
func (s *Session) Accounts() ([]models.Account, error) {
	return FetchMany[models.Account](s, 0, 0, "handle ASC", "")
}

// AccountByHandle returns the account with the given handle, or nil
func (s *Session) AccountByHandle(handle string) (*models.Account, error) {
	return FetchOne[models.Account](s, "handle = ?", handle)
}

// AccountByID returns the account with the given id, or nil
func (s *Session) AccountByID(id uint) (*models.Account, error) {
	return FetchOne[models.Account](s, "id = ?", id)
}

// SaveAccount writes every column of the account
func (s *Session) SaveAccount(account *models.Account) error {
	if err := s.db.Save(account).Error; err != nil {
		return fmt.Errorf("failed to save account %s: %w", account.Handle, err)
	}
	return nil
}

// UpsertAccountSeed creates the account, or updates the operator controlled
// fields of an existing one. Profile fields and stage timestamps are kept.
func (s *Session) UpsertAccountSeed(seed models.Account) (*models.Account, error) {
	existing, err := s.AccountByHandle(seed.Handle)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		if err := s.db.Create(&seed).Error; err != nil {
			return nil, fmt.Errorf("failed to create account %s: %w", seed.Handle, err)
		}
		return &seed, nil
	}

	if seed.DID != "" {
		existing.DID = seed.DID
	}
	existing.StartAt = seed.StartAt
	existing.IsActive = seed.IsActive
	// flags are only ever raised from the seed file; the runner clears them
	existing.ForceFeedUpdate = existing.ForceFeedUpdate || seed.ForceFeedUpdate
	existing.ForceReplyUpdate = existing.ForceReplyUpdate || seed.ForceReplyUpdate
	existing.ForceSentimentUpdate = existing.ForceSentimentUpdate || seed.ForceSentimentUpdate
	existing.ForceStatistics = existing.ForceStatistics || seed.ForceStatistics

	if err := s.SaveAccount(existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// LatestAccountHistory returns the most recent profile snapshot, or nil
func (s *Session) LatestAccountHistory(accountID uint) (*models.AccountHistory, error) {
	rows, err := FetchMany[models.AccountHistory](s, 1, 0, "timestamp DESC", "account_id = ?", accountID)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// AddAccountHistory stores a profile snapshot
func (s *Session) AddAccountHistory(history *models.AccountHistory) error {
	if err := s.db.Create(history).Error; err != nil {
		return fmt.Errorf("failed to add history for account %d: %w", history.AccountID, err)
	}
	return nil
}
