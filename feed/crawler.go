// Package feed walks an account's author feed backward in time, one calendar day at a time.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/bluesky-tracker/api"
	"github.com/brettboylen/bluesky-tracker/models"
	"github.com/brettboylen/bluesky-tracker/progress"
)

const (
	day                   = 24 * time.Hour
	defaultPageSize       = 1
	defaultRecheckWindow  = 24 * time.Hour
	defaultMaxPagesPerDay = 1000
)

// Fetcher is the part of the API client the crawler needs
type Fetcher interface {
	GetAuthorFeed(ctx context.Context, token, actor string, limit int, cursor string) (*api.FeedResponse, error)
}

// Store is the part of the persistence session the crawler needs
type Store interface {
	CompletedDays(accountID uint, logType string) (map[string]bool, error)
	UpsertScrapingLog(accountID uint, day time.Time, logType string, completed bool) error
	GetOrCreatePost(uri string) (*models.Post, bool, error)
	SavePost(post *models.Post) error
	SaveAccount(account *models.Account) error
}

// Config tunes the crawl
type Config struct {
	PageSize int
	// a day is re-crawled while its end lies within this window of now
	RecheckWindow  time.Duration
	MaxPagesPerDay int
}

// Crawler fetches feed pages and upserts the account's posts
type Crawler struct {
	fetcher Fetcher
	cfg     Config
	log     *logrus.Logger
	now     func() time.Time
}

// NewCrawler creates a feed crawler
func NewCrawler(fetcher Fetcher, cfg Config, log *logrus.Logger) *Crawler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.RecheckWindow <= 0 {
		cfg.RecheckWindow = defaultRecheckWindow
	}
	if cfg.MaxPagesPerDay <= 0 {
		cfg.MaxPagesPerDay = defaultMaxPagesPerDay
	}

	return &Crawler{
		fetcher: fetcher,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// SetClock replaces the crawler's notion of now
func (c *Crawler) SetClock(now func() time.Time) {
	c.now = now
}

// Crawl processes every day of the account that is not yet complete, newest first.
// An AuthError aborts the crawl and is returned as is; other failures leave
// their day incomplete and are returned joined once every day was tried.
func (c *Crawler) Crawl(ctx context.Context, store Store, account *models.Account, token string, report progress.Func) error {
	report = progress.Monotonic(report)
	now := c.now().UTC()
	entry := c.log.WithFields(logrus.Fields{
		"account": account.Handle,
		"stage":   "feed",
	})

	completed, err := store.CompletedDays(account.ID, models.ScrapingLogTypeFeed)
	if err != nil {
		return fmt.Errorf("failed to load feed checkpoints: %w", err)
	}

	days := c.pendingDays(account, completed, now)
	entry.WithFields(logrus.Fields{
		"days":  len(days),
		"force": account.ForceFeedUpdate,
	}).Info("Starting feed crawl")

	var errs []error
	for i, dayStart := range days {
		if err := ctx.Err(); err != nil {
			return err
		}

		complete, err := c.crawlDay(ctx, store, account, token, dayStart)
		if err != nil {
			if api.IsAuthError(err) {
				entry.WithError(err).Error("Authentication failed, aborting feed crawl")
				return err
			}
			entry.WithError(err).WithField("day", dayStart.Format("2006-01-02")).Warn("Feed day incomplete")
			errs = append(errs, fmt.Errorf("day %s: %w", dayStart.Format("2006-01-02"), err))
		}

		if err := store.UpsertScrapingLog(account.ID, dayStart, models.ScrapingLogTypeFeed, complete); err != nil {
			errs = append(errs, err)
		}
		report(progress.Fraction(i+1, len(days)))
	}

	account.TimestampFeed = &now
	if err := store.SaveAccount(account); err != nil {
		errs = append(errs, err)
	}

	report(1)
	entry.WithField("failed_days", len(errs)).Info("Feed crawl finished")
	return errors.Join(errs...)
}

// pendingDays lists the day starts to crawl, newest first
func (c *Crawler) pendingDays(account *models.Account, completed map[string]bool, now time.Time) []time.Time {
	today := truncateDay(now)
	first := today
	if account.StartAt != nil {
		first = truncateDay(account.StartAt.UTC())
	}

	var days []time.Time
	for d := today; !d.Before(first); d = d.Add(-day) {
		dayEnd := d.Add(day - time.Millisecond)
		open := now.Sub(dayEnd) < c.cfg.RecheckWindow
		if account.ForceFeedUpdate || open || !completed[d.Format("2006-01-02")] {
			days = append(days, d)
		}
	}
	return days
}

// crawlDay pages backward from the end of the day until the feed leaves it.
// complete is false when anything in the day could not be stored.
func (c *Crawler) crawlDay(ctx context.Context, store Store, account *models.Account, token string, dayStart time.Time) (complete bool, err error) {
	dayEnd := dayStart.Add(day - time.Millisecond)
	actor := account.DID
	if actor == "" {
		actor = account.Handle
	}

	entry := c.log.WithFields(logrus.Fields{
		"account": account.Handle,
		"day":     dayStart.Format("2006-01-02"),
	})

	complete = true
	cursor := api.FormatCursor(dayEnd)
	stored := 0

	for page := 0; page < c.cfg.MaxPagesPerDay; page++ {
		resp, err := c.fetcher.GetAuthorFeed(ctx, token, actor, c.cfg.PageSize, cursor)
		if err != nil {
			return false, err
		}

		for _, item := range resp.Feed {
			post := item.Post
			// reposts carry someone else's post
			if !authoredBy(account, post.Author) {
				continue
			}

			createdAt, err := api.ParseTimestamp(post.Record.CreatedAt)
			if err != nil {
				entry.WithError(err).WithField("post_uri", post.URI).Warn("Skipping feed item with invalid timestamp")
				complete = false
				continue
			}
			if createdAt.Before(dayStart) {
				entry.WithField("stored", stored).Debug("Reached start of day")
				return complete, nil
			}
			if createdAt.After(dayEnd) {
				continue
			}

			if err := c.storePost(store, account, &post); err != nil {
				return false, err
			}
			stored++
		}

		next := resp.Cursor
		if next == "" || next == cursor {
			return complete, nil
		}
		if t, err := api.ParseTimestamp(next); err == nil && t.Before(dayStart) {
			return complete, nil
		}
		cursor = next
	}

	entry.WithField("max_pages", c.cfg.MaxPagesPerDay).Warn("Stopped paging at page limit")
	return complete, nil
}

// storePost upserts a feed post by uri and overwrites its mutable fields
func (c *Crawler) storePost(store Store, account *models.Account, view *api.PostView) error {
	post, _, err := store.GetOrCreatePost(view.URI)
	if err != nil {
		return err
	}

	if err := view.ApplyTo(post, c.now()); err != nil {
		return err
	}
	post.AccountID = &account.ID

	return store.SavePost(post)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// authoredBy falls back to the handle while the account's DID is unresolved
func authoredBy(account *models.Account, author api.Author) bool {
	if account.DID != "" {
		return author.DID == account.DID
	}
	return strings.EqualFold(strings.TrimPrefix(author.Handle, "@"), strings.TrimPrefix(account.Handle, "@"))
}
