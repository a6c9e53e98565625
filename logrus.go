package mitm

import "github.com/sirupsen/logrus"

type logrusSink struct {
	logger logrus.FieldLogger
}

// NewLogrusSink returns a LogSink writing every event to logger.
func NewLogrusSink(logger logrus.FieldLogger) LogSink {
	return &logrusSink{logger: logger.WithField("component", "mitm")}
}

func (s *logrusSink) Log(level Level, msg string) {
	switch level {
	case LevelError:
		s.logger.Error(msg)
	case LevelWarn:
		s.logger.Warn(msg)
	case LevelInfo:
		s.logger.Info(msg)
	default:
		s.logger.Debug(msg)
	}
}

// LogrusLevel maps a logrus level to the lowest severity that logger would print.
func LogrusLevel(l logrus.Level) Level {
	switch {
	case l <= logrus.ErrorLevel:
		return LevelError
	case l == logrus.WarnLevel:
		return LevelWarn
	case l == logrus.InfoLevel:
		return LevelInfo
	default:
		return LevelDebug
	}
}
