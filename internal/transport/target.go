package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTarget parses "chat" or "chat:thread".
// Chat IDs may be negative (groups, channels); the chat ID must be non-zero.
func ParseTarget(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatTarget{}, ErrInvalidTarget
	}
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil || chatID == 0 {
		return ChatTarget{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
	}
	t := ChatTarget{ChatID: chatID}
	if hasThread {
		thread, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || thread < 0 {
			return ChatTarget{}, fmt.Errorf("%w: bad thread in %q", ErrInvalidTarget, s)
		}
		t.ThreadID = thread
	}
	return t, nil
}

// String is the inverse of ParseTarget.
func (t ChatTarget) String() string {
	s := strconv.FormatInt(t.ChatID, 10)
	if t.ThreadID != 0 {
		s += ":" + strconv.Itoa(t.ThreadID)
	}
	return s
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }
