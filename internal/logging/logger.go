package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is usable before InitLogger so packages can log from tests.
var Logger = logrus.New()

func InitLogger(level string) {
	Logger = logrus.New()
	Logger.SetFormatter(&logrus.JSONFormatter{})
	Logger.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)
}

func LogInfo(message string, fields logrus.Fields) {
	Logger.WithFields(fields).Info(message)
}

func LogWarn(message string, fields logrus.Fields) {
	Logger.WithFields(fields).Warn(message)
}

func LogError(message string, err error, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	Logger.WithFields(fields).Error(message)
}

func LogDebug(message string, fields logrus.Fields) {
	Logger.WithFields(fields).Debug(message)
}
