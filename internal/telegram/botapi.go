package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/common/logger"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	pollTimeoutSec = 50
	updateBuffer   = 64
)

// ClientOptions configure the Bot API client.
type ClientOptions struct {
	Token string

	// MediaDir receives downloaded document attachments.
	MediaDir string

	Log *logger.Logger

	// BaseURL overrides the API host. Tests point this at a local server.
	BaseURL string

	HTTPClient *http.Client
}

// Client is the HTTP long-polling Bot API implementation of Bot.
type Client struct {
	token    string
	base     string
	http     *http.Client
	mediaDir string
	log      *logger.Logger

	updates chan Update
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Bot = (*Client)(nil)

// NewClient validates the token against getMe and starts long polling.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("telegram: empty bot token")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: (pollTimeoutSec + 10) * time.Second}
	}
	if opts.Log == nil {
		opts.Log = logger.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		token:    opts.Token,
		base:     opts.BaseURL,
		http:     opts.HTTPClient,
		mediaDir: opts.MediaDir,
		log:      opts.Log.WithFields(zap.String("component", "telegram")),
		updates:  make(chan Update, updateBuffer),
		cancel:   cancel,
	}

	var me struct {
		Username string `json:"username"`
	}
	if err := c.call(ctx, "getMe", map[string]any{}, &me); err != nil {
		cancel()
		return nil, fmt.Errorf("telegram: getMe: %w", err)
	}
	c.log = c.log.WithFields(zap.String("bot", me.Username))

	c.wg.Add(1)
	go c.pollLoop(ctx)
	return c, nil
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.OK {
		apiErr := &APIError{Code: env.ErrorCode, Description: env.Description}
		if env.Parameters != nil {
			apiErr.RetryAfter = env.Parameters.RetryAfter
		}
		return apiErr
	}
	if out != nil && len(env.Result) > 0 {
		return json.Unmarshal(env.Result, out)
	}
	return nil
}

type wireMessage struct {
	MessageID int `json:"message_id"`
}

func keyboardPayload(kb *InlineKeyboard) map[string]any {
	rows := make([][]map[string]string, 0, len(kb.Rows))
	for _, row := range kb.Rows {
		out := make([]map[string]string, 0, len(row))
		for _, btn := range row {
			out = append(out, map[string]string{"text": btn.Text, "callback_data": btn.Data})
		}
		rows = append(rows, out)
	}
	return map[string]any{"inline_keyboard": rows}
}

// SendMessage sends an HTML message and returns its message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, html string, opts *SendOptions) (int, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       html,
		"parse_mode": "HTML",
	}
	if opts != nil {
		if opts.DisablePreview {
			payload["disable_web_page_preview"] = true
		}
		if opts.ReplyMarkup != nil {
			payload["reply_markup"] = keyboardPayload(opts.ReplyMarkup)
		}
	}
	var msg wireMessage
	if err := c.call(ctx, "sendMessage", payload, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessage replaces the text of an existing message.
func (c *Client) EditMessage(ctx context.Context, chatID int64, messageID int, html string, opts *SendOptions) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       html,
		"parse_mode": "HTML",
	}
	if opts != nil && opts.ReplyMarkup != nil {
		payload["reply_markup"] = keyboardPayload(opts.ReplyMarkup)
	}
	return c.call(ctx, "editMessageText", payload, nil)
}

// upload performs a multipart call with one attached file.
func (c *Client) upload(ctx context.Context, method, field, filename string,
	content io.Reader, fields map[string]string, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return err
		}
	}
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, out)
}

// SendPhoto uploads a photo and returns its message id.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string) (int, error) {
	fields := map[string]string{"chat_id": fmt.Sprint(chatID)}
	if caption != "" {
		fields["caption"] = caption
	}
	var msg wireMessage
	if err := c.upload(ctx, "sendPhoto", "photo", "photo.jpg", bytes.NewReader(photo), fields, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// SendDocument uploads a file from disk.
func (c *Client) SendDocument(ctx context.Context, chatID int64, path, caption string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fields := map[string]string{"chat_id": fmt.Sprint(chatID)}
	if caption != "" {
		fields["caption"] = caption
	}
	var msg wireMessage
	if err := c.upload(ctx, "sendDocument", "document", filepath.Base(path), f, fields, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// SendVoice uploads a voice note from disk.
func (c *Client) SendVoice(ctx context.Context, chatID int64, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fields := map[string]string{"chat_id": fmt.Sprint(chatID)}
	var msg wireMessage
	if err := c.upload(ctx, "sendVoice", "voice", filepath.Base(path), f, fields, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// SendChatAction shows a transient chat action.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

// AnswerCallback acknowledges an inline button press.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

// SetCommands publishes the bot command menu.
func (c *Client) SetCommands(ctx context.Context, commands []Command) error {
	out := make([]map[string]string, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, map[string]string{"command": cmd.Name, "description": cmd.Description})
	}
	return c.call(ctx, "setMyCommands", map[string]any{"commands": out}, nil)
}

// Updates delivers incoming messages and callback queries.
func (c *Client) Updates() <-chan Update { return c.updates }

// Stop cancels polling and closes the updates channel.
func (c *Client) Stop() {
	c.cancel()
	c.wg.Wait()
	close(c.updates)
}

// Wire shapes for getUpdates.
type wireUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int `json:"message_id"`
		From      *struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text    string `json:"text"`
		Caption string `json:"caption"`
		Photo   []struct {
			FileID   string `json:"file_id"`
			FileSize int64  `json:"file_size"`
		} `json:"photo"`
		Document *struct {
			FileID   string `json:"file_id"`
			FileName string `json:"file_name"`
			MIMEType string `json:"mime_type"`
		} `json:"document"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Message *struct {
			MessageID int `json:"message_id"`
			Chat      struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
		Data string `json:"data"`
	} `json:"callback_query"`
}

func (c *Client) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		var batch []wireUpdate
		err := c.call(ctx, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         pollTimeoutSec,
			"allowed_updates": []string{"message", "callback_query"},
		}, &batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("getUpdates failed, backing off", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		for i := range batch {
			offset = batch[i].UpdateID + 1
			if upd, ok := c.convert(ctx, &batch[i]); ok {
				select {
				case c.updates <- upd:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (c *Client) convert(ctx context.Context, wu *wireUpdate) (Update, bool) {
	switch {
	case wu.CallbackQuery != nil:
		cq := wu.CallbackQuery
		out := &CallbackQuery{ID: cq.ID, UserID: cq.From.ID, Data: cq.Data}
		if cq.Message != nil {
			out.ChatID = cq.Message.Chat.ID
			out.MessageID = cq.Message.MessageID
		}
		return Update{Callback: out}, true

	case wu.Message != nil:
		m := wu.Message
		out := &IncomingMessage{
			MessageID: m.MessageID,
			ChatID:    m.Chat.ID,
			Text:      m.Text,
			Caption:   m.Caption,
		}
		if m.From != nil {
			out.UserID = m.From.ID
		}
		if len(m.Photo) > 0 {
			// Sizes arrive smallest first; take the largest rendition.
			fileID := m.Photo[len(m.Photo)-1].FileID
			data, err := c.downloadFile(ctx, fileID)
			if err != nil {
				c.log.Warn("photo download failed", zap.Error(err))
			} else {
				out.Photo = data
				out.PhotoMIME = "image/jpeg"
			}
		}
		if m.Document != nil {
			path, err := c.saveDocument(ctx, m.Document.FileID, m.Document.FileName)
			if err != nil {
				c.log.Warn("document download failed", zap.Error(err))
			} else {
				out.Document = &IncomingFile{Name: m.Document.FileName, Path: path}
			}
		}
		return Update{Message: out}, true
	}
	return Update{}, false
}

func (c *Client) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/file/bot%s/%s", c.base, c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", file.FilePath, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) saveDocument(ctx context.Context, fileID, name string) (string, error) {
	data, err := c.downloadFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if c.mediaDir == "" {
		return "", fmt.Errorf("no media directory configured")
	}
	if err := os.MkdirAll(c.mediaDir, 0o700); err != nil {
		return "", err
	}
	if name == "" {
		name = "attachment"
	}
	path := filepath.Join(c.mediaDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(name)))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
