package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/brettboylen/bluesky-tracker/models"
)

// cursorLayout matches the timestamps the feed API uses for createdAt and cursors
const cursorLayout = "2006-01-02T15:04:05.000Z"

// Session is the result of a createSession call
type Session struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
}

// Profile represents the app.bsky.actor.getProfile response
type Profile struct {
	DID            string `json:"did"`
	Handle         string `json:"handle"`
	DisplayName    string `json:"displayName"`
	FollowersCount int64  `json:"followersCount"`
	FollowsCount   int64  `json:"followsCount"`
	PostsCount     int64  `json:"postsCount"`
}

// FeedResponse represents the app.bsky.feed.getAuthorFeed response
type FeedResponse struct {
	Cursor string     `json:"cursor,omitempty"`
	Feed   []FeedItem `json:"feed"`
}

// FeedItem wraps a post in an author feed
type FeedItem struct {
	Post PostView `json:"post"`
}

// ThreadResponse represents the app.bsky.feed.getPostThread response
type ThreadResponse struct {
	Thread ThreadView `json:"thread"`
}

// ThreadView is one node of a thread. Post is nil for blocked or deleted entries.
type ThreadView struct {
	Post    *PostView    `json:"post,omitempty"`
	Replies []ThreadView `json:"replies,omitempty"`
}

// PostView is the hydrated view of a post
type PostView struct {
	URI         string `json:"uri"`
	CID         string `json:"cid"`
	Author      Author `json:"author"`
	Record      Record `json:"record"`
	LikeCount   int64  `json:"likeCount"`
	ReplyCount  int64  `json:"replyCount"`
	QuoteCount  int64  `json:"quoteCount"`
	RepostCount int64  `json:"repostCount"`
	IndexedAt   string `json:"indexedAt"`
}

// Author identifies who wrote a post
type Author struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
}

// Record is the raw app.bsky.feed.post record
type Record struct {
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Embed     *Embed    `json:"embed,omitempty"`
}

// ReplyRef points at the parent and root of a reply
type ReplyRef struct {
	Parent StrongRef `json:"parent"`
	Root   StrongRef `json:"root"`
}

// StrongRef is a uri+cid reference
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Embed is the subset of embeds we keep
type Embed struct {
	Type     string    `json:"$type"`
	External *External `json:"external,omitempty"`
}

// External is a link card embed
type External struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Replies returns the posts directly below the thread root, skipping blocked entries
func (t *ThreadResponse) Replies() []PostView {
	posts := make([]PostView, 0, len(t.Thread.Replies))
	for _, reply := range t.Thread.Replies {
		if reply.Post == nil || reply.Post.URI == "" {
			continue
		}
		posts = append(posts, *reply.Post)
	}
	return posts
}

// Title returns the external embed title, if any
func (p *PostView) Title() string {
	if p.Record.Embed == nil || p.Record.Embed.External == nil {
		return ""
	}
	return p.Record.Embed.External.Title
}

// ParentURI returns the uri of the post this one replies to
func (p *PostView) ParentURI() string {
	if p.Record.Reply == nil {
		return ""
	}
	return p.Record.Reply.Parent.URI
}

// RootURI returns the uri of the thread root this reply belongs to
func (p *PostView) RootURI() string {
	if p.Record.Reply == nil {
		return ""
	}
	return p.Record.Reply.Root.URI
}

// ParseTimestamp parses an ISO-8601 timestamp with or without fractional seconds
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}

	t, err := time.Parse("2006-01-02T15:04:05Z0700", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

// FormatCursor renders a time the way the feed API expects a cursor
func FormatCursor(t time.Time) string {
	return t.UTC().Format(cursorLayout)
}

// ApplyTo copies the mutable fields of the fetched post onto a stored one.
// Every field is applied; an unparseable createdAt is left untouched and reported.
func (p *PostView) ApplyTo(post *models.Post, fetchedAt time.Time) error {
	fetchedAt = fetchedAt.UTC()
	post.FetchedAt = &fetchedAt
	post.AuthorDID = p.Author.DID
	post.LikeCount = p.LikeCount
	post.ReplyCount = p.ReplyCount
	post.QuoteCount = p.QuoteCount
	post.RepostCount = p.RepostCount
	post.Text = p.Record.Text
	post.Title = p.Title()
	post.ParentURI = optional(p.ParentURI())
	post.RootURI = optional(p.RootURI())

	createdAt, err := ParseTimestamp(p.Record.CreatedAt)
	if err != nil {
		return err
	}
	post.CreatedAt = &createdAt
	return nil
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
