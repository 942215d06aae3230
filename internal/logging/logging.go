package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the shared JSON logger. Level comes from LOG_LEVEL (info default).
func New() *logrus.Logger {
	logg := logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{})
	logg.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logg.SetLevel(level)

	return logg
}
