package command

import "fmt"

// MessageLevel grades a diagnostic message.
type MessageLevel int

const (
	LevelInfo MessageLevel = iota
	LevelWarning
	LevelError
)

func (l MessageLevel) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Message is a diagnostic collected while a session runs.
type Message struct {
	Level MessageLevel
	Text  string
	// Key is the element the message is about, if any.
	Key string
	Err error
}

// ErrorMessage wraps err as an error level message.
func ErrorMessage(key string, err error) Message {
	return Message{Level: LevelError, Text: err.Error(), Key: key, Err: err}
}

func (m Message) String() string {
	if m.Key == "" {
		return fmt.Sprintf("[%s] %s", m.Level, m.Text)
	}
	return fmt.Sprintf("[%s] %s: %s", m.Level, m.Key, m.Text)
}

// HasErrors reports whether any message is error level.
func HasErrors(msgs []Message) bool {
	for _, m := range msgs {
		if m.Level == LevelError {
			return true
		}
	}
	return false
}
