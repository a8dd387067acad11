package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brettboylen/bluesky-tracker/models"
)

// AccountSeed is one entry of the accounts file
type AccountSeed struct {
	Handle               string `yaml:"handle"`
	DID                  string `yaml:"did"`
	StartAt              string `yaml:"start_at"` // YYYY-MM-DD
	Active               *bool  `yaml:"active"`
	ForceFeedUpdate      bool   `yaml:"force_feed_update"`
	ForceReplyUpdate     bool   `yaml:"force_reply_update"`
	ForceSentimentUpdate bool   `yaml:"force_sentiment_update"`
	ForceStatistics      bool   `yaml:"force_statistics"`
}

type accountsFile struct {
	Accounts []AccountSeed `yaml:"accounts"`
}

// LoadAccountSeeds reads the accounts file and adds the handles given in
// the environment that it does not list. A missing file yields only those.
func LoadAccountSeeds(path string, handles []string) ([]AccountSeed, error) {
	var file accountsFile

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse accounts file %s: %w", path, err)
		}
	}

	seen := make(map[string]bool, len(file.Accounts))
	seeds := make([]AccountSeed, 0, len(file.Accounts)+len(handles))
	for _, seed := range file.Accounts {
		seed.Handle = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(seed.Handle), "@"))
		if seed.Handle == "" {
			return nil, fmt.Errorf("account without handle in %s", path)
		}
		if seen[seed.Handle] {
			continue
		}
		seen[seed.Handle] = true
		seeds = append(seeds, seed)
	}

	for _, handle := range handles {
		if seen[handle] {
			continue
		}
		seen[handle] = true
		seeds = append(seeds, AccountSeed{Handle: handle})
	}

	return seeds, nil
}

// ToModel converts the seed into an account. Accounts are active unless the seed says otherwise.
func (s AccountSeed) ToModel() (models.Account, error) {
	account := models.Account{
		Handle:               s.Handle,
		DID:                  s.DID,
		IsActive:             s.Active == nil || *s.Active,
		ForceFeedUpdate:      s.ForceFeedUpdate,
		ForceReplyUpdate:     s.ForceReplyUpdate,
		ForceSentimentUpdate: s.ForceSentimentUpdate,
		ForceStatistics:      s.ForceStatistics,
	}

	if s.StartAt != "" {
		startAt, err := time.Parse("2006-01-02", s.StartAt)
		if err != nil {
			return account, fmt.Errorf("invalid start_at %q for %s: %w", s.StartAt, s.Handle, err)
		}
		account.StartAt = &startAt
	}

	return account, nil
}
