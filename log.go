package dcflow

// log.go configures the package logger.  Output goes to stderr unless a
// file is configured, in which case it rotates.

import (
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// lg is the package logger
var lg = logrus.New()

func init() {
	lg.SetOutput(os.Stderr)
	lg.SetLevel(logrus.InfoLevel)
	lg.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
}

// Logger exposes the package logger so embedding applications can attach
// hooks or redirect output
func Logger() *logrus.Logger {
	return lg
}

// ConfigureLogging sets the log level and, when filename is non-empty,
// routes output through a rotating file
func ConfigureLogging(filename, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	lg.SetLevel(lvl)

	if len(filename) > 0 {
		lg.SetOutput(&lumberjack.Logger{
			Filename:   filename,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return nil
}
