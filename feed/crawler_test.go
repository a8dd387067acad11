package feed

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettboylen/bluesky-tracker/api"
	"github.com/brettboylen/bluesky-tracker/db"
	"github.com/brettboylen/bluesky-tracker/models"
)

const accountDID = "did:plc:alice"

var testNow = time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)

// fakeFeed serves a fixed timeline the way the feed API does: items strictly
// older than the cursor, newest first, with the last item's timestamp as the next cursor.
type fakeFeed struct {
	mu       sync.Mutex
	posts    []api.PostView
	cursors  []string
	failures map[string]error
}

func (f *fakeFeed) GetAuthorFeed(ctx context.Context, token, actor string, limit int, cursor string) (*api.FeedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cursors = append(f.cursors, cursor)
	if err, ok := f.failures[cursor]; ok {
		return nil, err
	}

	before, err := api.ParseTimestamp(cursor)
	if err != nil {
		return nil, err
	}

	resp := &api.FeedResponse{}
	for _, post := range f.posts {
		createdAt, _ := api.ParseTimestamp(post.Record.CreatedAt)
		if !createdAt.Before(before) {
			continue
		}
		resp.Feed = append(resp.Feed, api.FeedItem{Post: post})
		if len(resp.Feed) == limit {
			break
		}
	}
	if len(resp.Feed) > 0 {
		resp.Cursor = resp.Feed[len(resp.Feed)-1].Post.Record.CreatedAt
	}
	return resp, nil
}

func (f *fakeFeed) requests(cursor string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.cursors {
		if c == cursor {
			n++
		}
	}
	return n
}

func view(uri, author, createdAt string, likes int64) api.PostView {
	return api.PostView{
		URI:       uri,
		Author:    api.Author{DID: author},
		Record:    api.Record{Text: "text " + uri, CreatedAt: createdAt},
		LikeCount: likes,
	}
}

func newTimeline() *fakeFeed {
	reply := view("at://p2", accountDID, "2025-01-19T15:00:00.000Z", 2)
	reply.Record.Reply = &api.ReplyRef{
		Parent: api.StrongRef{URI: "at://x/parent"},
		Root:   api.StrongRef{URI: "at://x/root"},
	}

	posts := []api.PostView{
		view("at://p1", accountDID, "2025-01-20T09:00:00.000Z", 1),
		reply,
		view("at://repost", "did:plc:someone-else", "2025-01-19T10:00:00.000Z", 99),
		view("at://p3", accountDID, "2025-01-18T08:00:00.000Z", 3),
		view("at://p4", accountDID, "2025-01-17T20:00:00.000Z", 4),
	}
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].Record.CreatedAt > posts[j].Record.CreatedAt
	})
	return &fakeFeed{posts: posts, failures: map[string]error{}}
}

func setup(t *testing.T, fetcher Fetcher) (*Crawler, *db.Session, *models.Account) {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	database, err := db.NewDatabase(db.DatabaseConfig{Driver: db.DriverSQLite, Path: ":memory:"}, log)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	session := database.NewSession(context.Background())

	startAt := time.Date(2025, 1, 18, 0, 0, 0, 0, time.UTC)
	account, err := session.UpsertAccountSeed(models.Account{
		Handle:   "alice.bsky.social",
		DID:      accountDID,
		StartAt:  &startAt,
		IsActive: true,
	})
	require.NoError(t, err)

	crawler := NewCrawler(fetcher, Config{}, log)
	crawler.SetClock(func() time.Time { return testNow })
	return crawler, session, account
}

func feedLog(t *testing.T, s *db.Session, accountID uint, day string) *models.ScrapingLog {
	t.Helper()
	logs, err := s.ScrapingLogs(accountID, models.ScrapingLogTypeFeed)
	require.NoError(t, err)
	for _, log := range logs {
		if log.Day.UTC().Format("2006-01-02") == day {
			return &log
		}
	}
	return nil
}

func TestCrawlStoresAccountPostsPerDay(t *testing.T) {
	fetcher := newTimeline()
	crawler, session, account := setup(t, fetcher)

	var reported []float64
	err := crawler.Crawl(context.Background(), session, account, "token", func(f float64) {
		reported = append(reported, f)
	})
	require.NoError(t, err)

	count, err := db.Count[models.Post](session, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	repost, err := session.PostByURI("at://repost")
	require.NoError(t, err)
	assert.Nil(t, repost)

	outside, err := session.PostByURI("at://p4")
	require.NoError(t, err)
	assert.Nil(t, outside)

	reply, err := session.PostByURI("at://p2")
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.NotNil(t, reply.AccountID)
	assert.Equal(t, account.ID, *reply.AccountID)
	require.NotNil(t, reply.ParentURI)
	assert.Equal(t, "at://x/parent", *reply.ParentURI)
	assert.Equal(t, "at://x/root", *reply.RootURI)
	assert.True(t, reply.CreatedAt.Equal(time.Date(2025, 1, 19, 15, 0, 0, 0, time.UTC)))
	assert.False(t, reply.IsRoot())

	for _, day := range []string{"2025-01-20", "2025-01-19", "2025-01-18"} {
		log := feedLog(t, session, account.ID, day)
		require.NotNil(t, log, day)
		assert.True(t, log.Completed, day)
	}

	require.NotEmpty(t, reported)
	assert.Equal(t, 1.0, reported[len(reported)-1])
	assert.True(t, sort.Float64sAreSorted(reported))
	assert.NotNil(t, account.TimestampFeed)
}

func TestCrawlFiltersRepostsByHandleWithoutDID(t *testing.T) {
	fetcher := newTimeline()
	for i := range fetcher.posts {
		fetcher.posts[i].Author.Handle = "Alice.bsky.social"
		if fetcher.posts[i].URI == "at://repost" {
			fetcher.posts[i].Author.Handle = "someone.bsky.social"
		}
	}
	crawler, session, account := setup(t, fetcher)
	account.DID = ""

	require.NoError(t, crawler.Crawl(context.Background(), session, account, "token", nil))

	repost, err := session.PostByURI("at://repost")
	require.NoError(t, err)
	assert.Nil(t, repost)

	count, err := db.Count[models.Post](session, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestAuthoredBy(t *testing.T) {
	tests := []struct {
		name    string
		account models.Account
		author  api.Author
		want    bool
	}{
		{name: "Same DID", account: models.Account{DID: accountDID}, author: api.Author{DID: accountDID}, want: true},
		{name: "Other DID", account: models.Account{DID: accountDID}, author: api.Author{DID: "did:plc:other", Handle: "alice.bsky.social"}, want: false},
		{name: "Handle without DID", account: models.Account{Handle: "alice.bsky.social"}, author: api.Author{DID: accountDID, Handle: "ALICE.bsky.social"}, want: true},
		{name: "Other handle without DID", account: models.Account{Handle: "alice.bsky.social"}, author: api.Author{DID: "did:plc:other", Handle: "bob.bsky.social"}, want: false},
		{name: "Missing handle without DID", account: models.Account{Handle: "alice.bsky.social"}, author: api.Author{DID: "did:plc:other"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, authoredBy(&tt.account, tt.author))
		})
	}
}

func TestCrawlIsIdempotentAndSkipsCompletedDays(t *testing.T) {
	fetcher := newTimeline()
	crawler, session, account := setup(t, fetcher)

	require.NoError(t, crawler.Crawl(context.Background(), session, account, "token", nil))
	first, err := session.PostByURI("at://p3")
	require.NoError(t, err)

	require.NoError(t, crawler.Crawl(context.Background(), session, account, "token", nil))

	count, err := db.Count[models.Post](session, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	second, err := session.PostByURI("at://p3")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// today and yesterday are still open, the 18th is done
	assert.Equal(t, 2, fetcher.requests("2025-01-20T23:59:59.999Z"))
	assert.Equal(t, 2, fetcher.requests("2025-01-19T23:59:59.999Z"))
	assert.Equal(t, 1, fetcher.requests("2025-01-18T23:59:59.999Z"))
}

func TestCrawlForceRevisitsEveryDay(t *testing.T) {
	fetcher := newTimeline()
	crawler, session, account := setup(t, fetcher)

	require.NoError(t, crawler.Crawl(context.Background(), session, account, "token", nil))

	fetcher.posts[3].LikeCount = 30 // p3
	account.ForceFeedUpdate = true
	require.NoError(t, crawler.Crawl(context.Background(), session, account, "token", nil))

	assert.Equal(t, 2, fetcher.requests("2025-01-18T23:59:59.999Z"))
	post, err := session.PostByURI("at://p3")
	require.NoError(t, err)
	assert.EqualValues(t, 30, post.LikeCount)
}

func TestCrawlAbortsOnAuthError(t *testing.T) {
	fetcher := newTimeline()
	fetcher.failures["2025-01-19T23:59:59.999Z"] = &api.AuthError{Op: "getAuthorFeed", Message: "ExpiredToken"}
	crawler, session, account := setup(t, fetcher)

	err := crawler.Crawl(context.Background(), session, account, "token", nil)
	require.Error(t, err)
	assert.True(t, api.IsAuthError(err))

	assert.NotNil(t, feedLog(t, session, account.ID, "2025-01-20"))
	assert.Nil(t, feedLog(t, session, account.ID, "2025-01-19"))
	assert.Nil(t, feedLog(t, session, account.ID, "2025-01-18"))
	assert.Equal(t, 0, fetcher.requests("2025-01-18T23:59:59.999Z"))
	assert.Nil(t, account.TimestampFeed)
}

func TestCrawlServerErrorLeavesDayIncomplete(t *testing.T) {
	fetcher := newTimeline()
	fetcher.failures["2025-01-19T23:59:59.999Z"] = &api.ServerError{Op: "getAuthorFeed", StatusCode: 502}
	crawler, session, account := setup(t, fetcher)

	err := crawler.Crawl(context.Background(), session, account, "token", nil)
	require.Error(t, err)
	assert.True(t, api.IsServerError(err))
	assert.False(t, api.IsAuthError(err))

	failed := feedLog(t, session, account.ID, "2025-01-19")
	require.NotNil(t, failed)
	assert.False(t, failed.Completed)

	done := feedLog(t, session, account.ID, "2025-01-18")
	require.NotNil(t, done)
	assert.True(t, done.Completed)

	// the 18th still got crawled
	p3, err := session.PostByURI("at://p3")
	require.NoError(t, err)
	assert.NotNil(t, p3)
}

func TestCrawlStopsOnStaleCursor(t *testing.T) {
	stuck := &stuckFeed{}
	crawler, session, account := setup(t, stuck)
	account.StartAt = nil

	require.NoError(t, crawler.Crawl(context.Background(), session, account, "token", nil))
	assert.Equal(t, 2, stuck.calls)
}

// stuckFeed keeps returning the same cursor
type stuckFeed struct {
	calls int
}

func (f *stuckFeed) GetAuthorFeed(ctx context.Context, token, actor string, limit int, cursor string) (*api.FeedResponse, error) {
	f.calls++
	return &api.FeedResponse{Cursor: "opaque-cursor"}, nil
}

func TestPendingDays(t *testing.T) {
	crawler := NewCrawler(nil, Config{RecheckWindow: 24 * time.Hour}, logrus.New())
	start := time.Date(2025, 1, 15, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		account   models.Account
		completed map[string]bool
		expected  []string
	}{
		{
			name:     "No start date means today only",
			account:  models.Account{},
			expected: []string{"2025-01-20"},
		},
		{
			name:    "Completed closed days are skipped",
			account: models.Account{StartAt: &start},
			completed: map[string]bool{
				"2025-01-20": true, "2025-01-19": true, "2025-01-18": true, "2025-01-16": true,
			},
			expected: []string{"2025-01-20", "2025-01-19", "2025-01-17", "2025-01-15"},
		},
		{
			name:    "Force revisits everything",
			account: models.Account{StartAt: &start, ForceFeedUpdate: true},
			completed: map[string]bool{
				"2025-01-18": true, "2025-01-17": true, "2025-01-16": true, "2025-01-15": true,
			},
			expected: []string{"2025-01-20", "2025-01-19", "2025-01-18", "2025-01-17", "2025-01-16", "2025-01-15"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			days := crawler.pendingDays(&tc.account, tc.completed, testNow)
			var got []string
			for _, d := range days {
				got = append(got, d.Format("2006-01-02"))
			}
			assert.Equal(t, tc.expected, got)
		})
	}
}
