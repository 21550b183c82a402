package platform

import (
	"context"
	"time"
)

// ChatID identifies a conversation (group, channel or DM).
type ChatID int64

// MessageID identifies a message within a single chat.
type MessageID int

type Message struct {
	ID           MessageID
	Chat         ChatID
	SenderID     int64
	Text         string
	MediaGroupID string
	HasMedia     bool
	Date         time.Time
}

type EventKind int

const (
	EventNewMessage EventKind = iota
	EventAlbum
	EventEdited
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventNewMessage:
		return "new_message"
	case EventAlbum:
		return "album"
	case EventEdited:
		return "edited"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is one observed change in a conversation. NewMessage and Edited
// carry exactly one message, Album carries the whole media group, Deleted
// carries only ids.
type Event struct {
	Kind       EventKind
	Chat       ChatID
	Messages   []Message
	DeletedIDs []MessageID
}

// Client is the transport the mirror engine runs on.
type Client interface {
	// ForwardMessages copies ids from source into target by reference,
	// without re-uploading media. The returned ids are positionally
	// aligned with the input ids.
	ForwardMessages(ctx context.Context, target ChatID, ids []MessageID, source ChatID, dropAuthor bool) ([]MessageID, error)
	DeleteMessages(ctx context.Context, chat ChatID, ids []MessageID) error
	EditMessageText(ctx context.Context, chat ChatID, id MessageID, text string) error
	EditMessageCaption(ctx context.Context, chat ChatID, id MessageID, caption string) error
	SendText(ctx context.Context, chat ChatID, text string) (MessageID, error)
	Events() <-chan Event
	Start(ctx context.Context) error
	Stop() error
}
