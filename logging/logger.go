package logging

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// New builds the application logger. format is text, color or json; level is any logrus level name.
func New(level, format string) (*logrus.Logger, error) {
	log := logrus.New()

	switch format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	case "color":
		log.SetFormatter(NewColoredFormatter())
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		log.SetLevel(logrus.InfoLevel)
		log.WithField("level", level).Warn("Unknown log level, using info")
		return log, nil
	}
	log.SetLevel(parsed)

	return log, nil
}
