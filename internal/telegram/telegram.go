// Package telegram defines the chat-surface boundary the bridge renders to.
// The concrete Bot API client lives outside the core; the bridge, accumulator
// and sub-agent tracker talk to this narrow interface so tests can drive them
// with a fake.
package telegram

import "context"

// Bot is the chat surface for one agent identity.
type Bot interface {
	// SendMessage sends an HTML-formatted message and returns its message id.
	SendMessage(ctx context.Context, chatID int64, html string, opts *SendOptions) (int, error)

	// EditMessage replaces the text of an existing message.
	EditMessage(ctx context.Context, chatID int64, messageID int, html string, opts *SendOptions) error

	// SendPhoto uploads a photo with an optional caption and returns its message id.
	SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string) (int, error)

	// SendDocument uploads a file from disk.
	SendDocument(ctx context.Context, chatID int64, path, caption string) (int, error)

	// SendVoice uploads a voice note from disk.
	SendVoice(ctx context.Context, chatID int64, path string) (int, error)

	// SendChatAction shows a chat action (typing, upload_photo, ...).
	// The indicator expires after a few seconds; callers refresh it.
	SendChatAction(ctx context.Context, chatID int64, action string) error

	// AnswerCallback acknowledges an inline button press.
	AnswerCallback(ctx context.Context, callbackID, text string) error

	// SetCommands publishes the bot command menu.
	SetCommands(ctx context.Context, commands []Command) error

	// Updates delivers incoming messages and callback queries.
	Updates() <-chan Update

	// Stop shuts the client down and closes the updates channel.
	Stop()
}

// SendOptions carries per-call extras.
type SendOptions struct {
	// ReplyMarkup attaches an inline keyboard.
	ReplyMarkup *InlineKeyboard

	// DisablePreview suppresses link previews.
	DisablePreview bool
}

// Command is one entry of the bot command menu.
type Command struct {
	Name        string
	Description string
}

// InlineKeyboard is a grid of callback buttons.
type InlineKeyboard struct {
	Rows [][]InlineButton
}

// InlineButton is one callback button.
type InlineButton struct {
	Text string
	Data string // callback data, e.g. "resume:<id>"
}

// SingleRow builds a one-row keyboard.
func SingleRow(buttons ...InlineButton) *InlineKeyboard {
	return &InlineKeyboard{Rows: [][]InlineButton{buttons}}
}

// Update is one incoming chat event.
type Update struct {
	Message  *IncomingMessage
	Callback *CallbackQuery
}

// IncomingMessage is a user message addressed to the bot.
type IncomingMessage struct {
	MessageID int
	ChatID    int64
	UserID    int64
	Text      string

	// Media attachments, already downloaded by the client adapter.
	Photo     []byte
	PhotoMIME string
	Document  *IncomingFile
	Caption   string
}

// IncomingFile is a downloaded attachment.
type IncomingFile struct {
	Name string
	Path string
}

// HasMedia reports whether the message carries any attachment.
func (m *IncomingMessage) HasMedia() bool {
	return len(m.Photo) > 0 || m.Document != nil
}

// CallbackQuery is an inline button press.
type CallbackQuery struct {
	ID        string
	ChatID    int64
	UserID    int64
	MessageID int
	Data      string
}

// Chat actions.
const (
	ActionTyping      = "typing"
	ActionUploadPhoto = "upload_photo"
)
