package models

import (
	"time"
)

// ScrapingLogTypeFeed marks a per-day feed crawl checkpoint
const ScrapingLogTypeFeed = "feed"

// Account represents a tracked Bluesky account
type Account struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	DID         string `gorm:"column:did;index" json:"did"`
	Handle      string `gorm:"uniqueIndex;not null" json:"handle"`
	DisplayName string `json:"display_name"`

	FollowersCount int64 `json:"followers_count"`
	FollowsCount   int64 `json:"follows_count"`
	PostsCount     int64 `json:"posts_count"`

	StartAt  *time.Time `json:"start_at,omitempty"`
	IsActive bool       `gorm:"index" json:"is_active"`

	ForceFeedUpdate      bool `json:"force_feed_update"`
	ForceReplyUpdate     bool `json:"force_reply_update"`
	ForceSentimentUpdate bool `json:"force_sentiment_update"`
	ForceStatistics      bool `json:"force_statistics"`

	TimestampFeed       *time.Time `json:"timestamp_feed,omitempty"`
	TimestampReplyTrees *time.Time `json:"timestamp_reply_trees,omitempty"`
	TimestampSentiment  *time.Time `json:"timestamp_sentiment,omitempty"`
	TimestampStatistics *time.Time `json:"timestamp_statistics,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountHistory is a snapshot of an account's profile counters
type AccountHistory struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	AccountID      uint      `gorm:"index;not null" json:"account_id"`
	FollowersCount int64     `json:"followers_count"`
	FollowsCount   int64     `json:"follows_count"`
	PostsCount     int64     `json:"posts_count"`
	Timestamp      time.Time `gorm:"index" json:"timestamp"`
}

// Post represents a Bluesky post or reply. Roots have neither ParentURI nor RootURI.
type Post struct {
	ID        string  `gorm:"primaryKey;size:36" json:"id"`
	URI       string  `gorm:"column:uri;uniqueIndex;not null" json:"uri"`
	ParentURI *string `gorm:"column:parent_uri;index" json:"parent_uri,omitempty"`
	RootURI   *string `gorm:"column:root_uri;index" json:"root_uri,omitempty"`
	ParentID  *string `gorm:"index;size:36" json:"parent_id,omitempty"`
	RootID    *string `gorm:"index;size:36" json:"root_id,omitempty"`
	AccountID *uint   `gorm:"index" json:"account_id,omitempty"`
	AuthorDID string  `gorm:"column:author_did" json:"author_did"`

	CreatedAt *time.Time `gorm:"autoCreateTime:false;index" json:"created_at,omitempty"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`

	LikeCount   int64 `json:"like_count"`
	ReplyCount  int64 `json:"reply_count"`
	QuoteCount  int64 `json:"quote_count"`
	RepostCount int64 `json:"repost_count"`

	Text  string `json:"text"`
	Title string `json:"title"`

	ReplyTreeChecked bool `gorm:"index" json:"reply_tree_checked"`

	UpdatedAt time.Time `json:"updated_at"`
}

// IsRoot reports whether the post is the top of a reply tree
func (p *Post) IsRoot() bool {
	return p.ParentURI == nil && p.RootURI == nil && p.ParentID == nil
}

// Statistics holds the rollups of a post's reply tree. It is a cache and
// is always rebuilt from the forest and the stored sentiments.
type Statistics struct {
	PostID               string    `gorm:"primaryKey;size:36" json:"post_id"`
	AccountID            *uint     `gorm:"index" json:"account_id,omitempty"`
	ReplyTreeDepth       int64     `json:"reply_tree_depth"`
	CountedAllReplies    bool      `json:"counted_all_replies"`
	NrOfReplies          int64     `json:"nr_of_replies"`
	TotalNumberOfReplies int64     `json:"total_number_of_replies"`
	AvgSentimentReplies  float64   `json:"avg_sentiment_replies"`
	Tool                 string    `json:"tool"`
	ComputedAt           time.Time `json:"computed_at"`
}

// TableName keeps the table name singular-agnostic
func (Statistics) TableName() string {
	return "statistics"
}

// DayStatistics holds the per-day rollups of an account's root posts
type DayStatistics struct {
	AccountID           uint      `gorm:"primaryKey" json:"account_id"`
	Day                 time.Time `gorm:"primaryKey" json:"day"`
	PostCount           int64     `json:"post_count"`
	ReplyCount          int64     `json:"reply_count"`
	AvgRepliesPerPost   float64   `json:"avg_replies_per_post"`
	AvgSentimentPosts   float64   `json:"avg_sentiment_posts"`
	AvgSentimentReplies float64   `json:"avg_sentiment_replies"`
	Tool                string    `json:"tool"`
}

// TableName keeps the table name stable across drivers
func (DayStatistics) TableName() string {
	return "day_statistics"
}

// Sentiment is the score a tool assigned to a post. At most one per (post, tool).
type Sentiment struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	PostID    string    `gorm:"uniqueIndex:idx_sentiment_post_tool;size:36;not null" json:"post_id"`
	Tool      string    `gorm:"uniqueIndex:idx_sentiment_post_tool;not null" json:"tool"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScrapingLog is the per-day checkpoint of a crawl. At most one per (account, day, type).
type ScrapingLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AccountID uint      `gorm:"uniqueIndex:idx_log_account_day_type;not null" json:"account_id"`
	Day       time.Time `gorm:"uniqueIndex:idx_log_account_day_type;not null" json:"day"`
	Type      string    `gorm:"uniqueIndex:idx_log_account_day_type;not null" json:"type"`
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}
