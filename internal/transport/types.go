package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by adapters that have been stopped.
	ErrClosed = errors.New("transport: adapter closed")
	// ErrInvalidTarget is returned for unparseable or zero chat targets.
	ErrInvalidTarget = errors.New("transport: invalid chat target")
)

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Target returns where a reply to m should go.
func (m *Message) Target() ChatTarget {
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Attachment is a named file sent alongside a message body.
type Attachment struct {
	Name string
	Data []byte
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

	// SendMessage delivers one HTML body plus attachments, in that order.
	// Either part may be empty.
	SendMessage(ctx context.Context, to ChatTarget, body string, files []Attachment) error

	// Closed reports whether the adapter has been stopped for good.
	Closed() bool
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
