// Package profile keeps the display name and counters of tracked accounts current.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/bluesky-tracker/api"
	"github.com/brettboylen/bluesky-tracker/models"
)

// DefaultInterval is the minimum time between two snapshots of an account
const DefaultInterval = 12 * time.Hour

// Client is the part of the API client the refresher needs
type Client interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
	GetProfile(ctx context.Context, token, actor string) (*api.Profile, error)
}

// Store is the part of the persistence session the refresher needs
type Store interface {
	LatestAccountHistory(accountID uint) (*models.AccountHistory, error)
	AddAccountHistory(history *models.AccountHistory) error
	SaveAccount(account *models.Account) error
}

// Refresher updates account profiles at most once per interval
type Refresher struct {
	client   Client
	interval time.Duration
	log      *logrus.Logger
	now      func() time.Time
}

// NewRefresher creates a profile refresher
func NewRefresher(client Client, log *logrus.Logger) *Refresher {
	return &Refresher{
		client:   client,
		interval: DefaultInterval,
		log:      log,
		now:      time.Now,
	}
}

// Refresh resolves the account's DID when missing and, unless the last
// snapshot is recent, stores a new one. updated reports whether a snapshot was taken.
func (r *Refresher) Refresh(ctx context.Context, store Store, account *models.Account, token string) (updated bool, err error) {
	entry := r.log.WithField("account", account.Handle)

	if account.DID == "" {
		did, err := r.client.ResolveHandle(ctx, account.Handle)
		if err != nil {
			return false, fmt.Errorf("failed to resolve handle %s: %w", account.Handle, err)
		}
		account.DID = did
		if err := store.SaveAccount(account); err != nil {
			return false, err
		}
		entry.WithField("did", did).Info("Resolved account handle")
	}

	now := r.now().UTC()
	latest, err := store.LatestAccountHistory(account.ID)
	if err != nil {
		return false, err
	}
	if latest != nil && now.Sub(latest.Timestamp) < r.interval {
		entry.WithField("last_snapshot", latest.Timestamp).Debug("Profile is recent, skipping refresh")
		return false, nil
	}

	profile, err := r.client.GetProfile(ctx, token, account.DID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch profile of %s: %w", account.Handle, err)
	}

	account.DisplayName = profile.DisplayName
	account.FollowersCount = profile.FollowersCount
	account.FollowsCount = profile.FollowsCount
	account.PostsCount = profile.PostsCount
	if err := store.SaveAccount(account); err != nil {
		return false, err
	}

	if err := store.AddAccountHistory(&models.AccountHistory{
		AccountID:      account.ID,
		FollowersCount: profile.FollowersCount,
		FollowsCount:   profile.FollowsCount,
		PostsCount:     profile.PostsCount,
		Timestamp:      now,
	}); err != nil {
		return false, err
	}

	entry.WithFields(logrus.Fields{
		"followers": profile.FollowersCount,
		"follows":   profile.FollowsCount,
		"posts":     profile.PostsCount,
	}).Info("Refreshed account profile")
	return true, nil
}
