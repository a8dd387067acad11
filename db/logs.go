package db

import (
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/brettboylen/bluesky-tracker/models"
)

// dayKey identifies a calendar day independent of how the driver returns times
func dayKey(day time.Time) string {
	return day.UTC().Format("2006-01-02")
}

// CompletedDays returns the days of the given type the account has finished, keyed YYYY-MM-DD
func (s *Session) CompletedDays(accountID uint, logType string) (map[string]bool, error) {
	logs, err := FetchMany[models.ScrapingLog](s, 0, 0, "", "account_id = ? AND type = ? AND completed = ?",
		accountID, logType, true)
	if err != nil {
		return nil, err
	}

	days := make(map[string]bool, len(logs))
	for _, log := range logs {
		days[dayKey(log.Day)] = true
	}
	return days, nil
}

// UpsertScrapingLog writes the checkpoint for (account, day, type)
func (s *Session) UpsertScrapingLog(accountID uint, day time.Time, logType string, completed bool) error {
	day = day.UTC()
	entry := models.ScrapingLog{
		AccountID: accountID,
		Day:       time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
		Type:      logType,
		Completed: completed,
		Timestamp: time.Now().UTC(),
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "day"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"completed", "timestamp"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to write %s log for account %d day %s: %w",
			logType, accountID, dayKey(day), err)
	}
	return nil
}

// ScrapingLogs returns an account's checkpoints of the given type, newest day first
func (s *Session) ScrapingLogs(accountID uint, logType string) ([]models.ScrapingLog, error) {
	return FetchMany[models.ScrapingLog](s, 0, 0, "day DESC", "account_id = ? AND type = ?", accountID, logType)
}
