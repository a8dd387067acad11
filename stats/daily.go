package stats

import (
	"sort"
	"time"

	"github.com/brettboylen/bluesky-tracker/models"
)

// RootSummary is what a day rollup needs from one root post
type RootSummary struct {
	CreatedAt       time.Time
	Replies         int64
	Score           *float64 // the root's own sentiment; nil counts as 0
	ReplyScoreSum   float64
	ReplyScoreCount int
}

// BuildDayStatistics groups roots by UTC calendar day, newest day first
func BuildDayStatistics(accountID uint, tool string, roots []RootSummary) []models.DayStatistics {
	type totals struct {
		posts, replies int64
		postScores     float64
		replyScores    float64
		replyCount     int
	}

	byDay := make(map[time.Time]*totals)
	for _, root := range roots {
		created := root.CreatedAt.UTC()
		day := time.Date(created.Year(), created.Month(), created.Day(), 0, 0, 0, 0, time.UTC)

		t, ok := byDay[day]
		if !ok {
			t = &totals{}
			byDay[day] = t
		}
		t.posts++
		t.replies += root.Replies
		if root.Score != nil {
			t.postScores += *root.Score
		}
		t.replyScores += root.ReplyScoreSum
		t.replyCount += root.ReplyScoreCount
	}

	rows := make([]models.DayStatistics, 0, len(byDay))
	for day, t := range byDay {
		row := models.DayStatistics{
			AccountID:         accountID,
			Day:               day,
			PostCount:         t.posts,
			ReplyCount:        t.replies,
			AvgRepliesPerPost: float64(t.replies) / float64(t.posts),
			AvgSentimentPosts: t.postScores / float64(t.posts),
			Tool:              tool,
		}
		if t.replyCount > 0 {
			row.AvgSentimentReplies = t.replyScores / float64(t.replyCount)
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Day.After(rows[j].Day)
	})
	return rows
}
