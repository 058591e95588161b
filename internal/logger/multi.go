package logger

// Logger is the full leveled surface the implementations in this package
// share.
type Logger interface {
	LogTrace(message string)
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
}

// Multi fans every message out to all the given loggers.
type Multi []Logger

// NewMulti combines loggers, dropping nils.
func NewMulti(loggers ...Logger) Multi {
	var m Multi
	for _, l := range loggers {
		if l != nil {
			m = append(m, l)
		}
	}
	return m
}

func (m Multi) LogTrace(message string) {
	for _, l := range m {
		l.LogTrace(message)
	}
}

func (m Multi) LogDebug(message string) {
	for _, l := range m {
		l.LogDebug(message)
	}
}

func (m Multi) LogInfo(message string) {
	for _, l := range m {
		l.LogInfo(message)
	}
}

func (m Multi) LogWarn(message string) {
	for _, l := range m {
		l.LogWarn(message)
	}
}

func (m Multi) LogError(message string) {
	for _, l := range m {
		l.LogError(message)
	}
}
