package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/brettboylen/bluesky-tracker/models"
)

const rootCondition = "parent_uri IS NULL AND root_uri IS NULL AND parent_id IS NULL"

// PostByURI returns the post with the given uri, or nil
func (s *Session) PostByURI(uri string) (*models.Post, error) {
	return FetchOne[models.Post](s, "uri = ?", uri)
}

// PostByID returns the post with the given id, or nil
func (s *Session) PostByID(id string) (*models.Post, error) {
	return FetchOne[models.Post](s, "id = ?", id)
}

// GetOrCreatePost returns the post with the given uri, inserting a bare row
// when none exists. created reports whether this call inserted it.
func (s *Session) GetOrCreatePost(uri string) (post *models.Post, created bool, err error) {
	candidate := models.Post{
		ID:  uuid.NewString(),
		URI: uri,
	}

	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		DoNothing: true,
	}).Create(&candidate)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to insert post %s: %w", uri, result.Error)
	}

	post, err = s.PostByURI(uri)
	if err != nil {
		return nil, false, err
	}
	if post == nil {
		return nil, false, fmt.Errorf("post %s missing after insert", uri)
	}
	return post, result.RowsAffected == 1, nil
}

// SavePost writes every column of the post
func (s *Session) SavePost(post *models.Post) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if err := s.db.Save(post).Error; err != nil {
		return fmt.Errorf("failed to save post %s: %w", post.URI, err)
	}
	return nil
}

// Replies returns the direct children of a post, oldest first
func (s *Session) Replies(parentID string) ([]models.Post, error) {
	return FetchMany[models.Post](s, 0, 0, "created_at ASC, id ASC", "parent_id = ?", parentID)
}

// RootQuery selects the thread roots of an account
type RootQuery struct {
	AccountID uint
	From      *time.Time // created at or after, when set
	All       bool       // ignore checkpoints
	// with All unset, roots created at or after FreshSince are returned even when checked
	FreshSince time.Time
}

// ThreadRoots returns the roots that need their reply tree walked
func (s *Session) ThreadRoots(q RootQuery) ([]models.Post, error) {
	tx := s.db.Model(&models.Post{}).
		Where("account_id = ?", q.AccountID).
		Where(rootCondition)
	if q.From != nil {
		tx = tx.Where("created_at >= ?", q.From.UTC())
	}
	if !q.All {
		tx = tx.Where("(reply_tree_checked = ? OR created_at >= ?)", false, q.FreshSince.UTC())
	}

	var roots []models.Post
	if err := tx.Order("created_at DESC, id ASC").Find(&roots).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch thread roots for account %d: %w", q.AccountID, err)
	}
	return roots, nil
}

// RootPosts returns every root of an account, newest first
func (s *Session) RootPosts(accountID uint) ([]models.Post, error) {
	return FetchMany[models.Post](s, 0, 0, "created_at DESC, id ASC",
		"account_id = ? AND "+rootCondition, accountID)
}

// AccountRootPage returns one page of an account's roots, newest first
func (s *Session) AccountRootPage(accountID uint, limit, offset int) ([]models.Post, error) {
	return FetchMany[models.Post](s, limit, offset, "created_at DESC, id ASC",
		"account_id = ? AND "+rootCondition, accountID)
}

// PostsNeedingSentiment pages, by id, through the account's posts with text that
// have no score for tool. With all set, every post with text is returned.
func (s *Session) PostsNeedingSentiment(accountID uint, tool, afterID string, limit int, all bool) ([]models.Post, error) {
	tx := s.db.Model(&models.Post{}).
		Where("account_id = ?", accountID).
		Where("text <> ''").
		Where("id > ?", afterID)
	if !all {
		tx = tx.Where("NOT EXISTS (SELECT 1 FROM sentiments WHERE sentiments.post_id = posts.id AND sentiments.tool = ?)", tool)
	}

	var posts []models.Post
	if err := tx.Order("id ASC").Limit(limit).Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch posts needing sentiment: %w", err)
	}
	return posts, nil
}

// CountPostsNeedingSentiment counts what PostsNeedingSentiment would page through
func (s *Session) CountPostsNeedingSentiment(accountID uint, tool string, all bool) (int64, error) {
	tx := s.db.Model(&models.Post{}).
		Where("account_id = ?", accountID).
		Where("text <> ''")
	if !all {
		tx = tx.Where("NOT EXISTS (SELECT 1 FROM sentiments WHERE sentiments.post_id = posts.id AND sentiments.tool = ?)", tool)
	}

	var count int64
	if err := tx.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count posts needing sentiment: %w", err)
	}
	return count, nil
}
