package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mirrorbot/internal/config"
	"github.com/stellarlinkco/mirrorbot/internal/platform"
)

var errNotStarted = errors.New("telegram client not started")

// BotAPI is the slice of tgbotapi.BotAPI the client uses; a fake stands
// in for it in tests.
type BotAPI interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetSelf() tgbotapi.User
}

// botWrapper wraps tgbotapi.BotAPI to implement the BotAPI interface.
type botWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *botWrapper) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	return w.bot.MakeRequest(endpoint, params)
}

func (w *botWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *botWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *botWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *botWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates BotAPI instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (BotAPI, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (BotAPI, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &botWrapper{bot: bot}, nil
}

// Client implements platform.Client over the Telegram Bot API. Batch
// operations go through the raw forwardMessages/deleteMessages
// endpoints; updates come in by long polling and are translated into
// platform events, with media groups buffered into single album events.
type Client struct {
	token     string
	proxy     string
	albumWait time.Duration
	bot       BotAPI
	factory   BotFactory
	events    chan platform.Event
	albums    *albumAggregator
	cancel    context.CancelFunc
	log       zerolog.Logger
}

func New(cfg config.TelegramConfig, log zerolog.Logger) (*Client, error) {
	return NewWithFactory(cfg, defaultBotFactory, log)
}

// NewWithFactory creates a Client with a custom bot factory (for testing)
func NewWithFactory(cfg config.TelegramConfig, factory BotFactory, log zerolog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	albumWait := time.Duration(cfg.AlbumWaitMs) * time.Millisecond
	if albumWait <= 0 {
		albumWait = time.Second
	}
	return &Client{
		token:     cfg.Token,
		proxy:     cfg.Proxy,
		albumWait: albumWait,
		factory:   factory,
		events:    make(chan platform.Event, 100),
		log:       log.With().Str("component", "telegram").Logger(),
	}, nil
}

func (c *Client) Start(ctx context.Context) error {
	client := http.DefaultClient
	if c.proxy != "" {
		proxyURL, err := url.Parse(c.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := c.factory(c.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	c.bot = bot
	c.log.Info().Str("username", bot.GetSelf().UserName).Msg("authorized")

	ctx, c.cancel = context.WithCancel(ctx)
	c.albums = newAlbumAggregator(c.albumWait, c.emit)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "edited_message", "channel_post", "edited_channel_post"}
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				c.handleUpdate(update)
			case <-ctx.Done():
				return
			}
		}
	}()

	c.log.Info().Msg("polling started")
	return nil
}

func (c *Client) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.albums != nil {
		c.albums.stop()
	}
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	c.log.Info().Msg("stopped")
	return nil
}

func (c *Client) Events() <-chan platform.Event {
	return c.events
}

func (c *Client) handleUpdate(update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		c.handleNew(update.Message)
	case update.ChannelPost != nil:
		c.handleNew(update.ChannelPost)
	case update.EditedMessage != nil:
		m := toMessage(update.EditedMessage)
		c.emit(platform.Event{Kind: platform.EventEdited, Chat: m.Chat, Messages: []platform.Message{m}})
	case update.EditedChannelPost != nil:
		m := toMessage(update.EditedChannelPost)
		c.emit(platform.Event{Kind: platform.EventEdited, Chat: m.Chat, Messages: []platform.Message{m}})
	}
}

func (c *Client) handleNew(msg *tgbotapi.Message) {
	m := toMessage(msg)
	if m.MediaGroupID != "" {
		c.albums.add(m)
		return
	}
	c.emit(platform.Event{Kind: platform.EventNewMessage, Chat: m.Chat, Messages: []platform.Message{m}})
}

func (c *Client) emit(ev platform.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Str("kind", ev.Kind.String()).Msg("event buffer full, dropping update")
	}
}

func toMessage(msg *tgbotapi.Message) platform.Message {
	var sender int64
	if msg.From != nil {
		sender = msg.From.ID
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	return platform.Message{
		ID:           platform.MessageID(msg.MessageID),
		Chat:         platform.ChatID(msg.Chat.ID),
		SenderID:     sender,
		Text:         text,
		MediaGroupID: msg.MediaGroupID,
		HasMedia:     len(msg.Photo) > 0 || msg.Video != nil || msg.Document != nil || msg.Audio != nil || msg.Sticker != nil,
		Date:         time.Unix(int64(msg.Date), 0),
	}
}

// ForwardMessages forwards ids in one call via the forwardMessages
// endpoint. With dropAuthor the copies carry no "forwarded from"
// attribution, which is what mirroring wants.
func (c *Client) ForwardMessages(ctx context.Context, target platform.ChatID, ids []platform.MessageID, source platform.ChatID, dropAuthor bool) ([]platform.MessageID, error) {
	if c.bot == nil {
		return nil, errNotStarted
	}
	if len(ids) == 0 {
		return nil, nil
	}

	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", int64(target))
	params.AddNonZero64("from_chat_id", int64(source))
	params.AddBool("drop_author", dropAuthor)
	if err := params.AddInterface("message_ids", rawMessageIDs(ids)); err != nil {
		return nil, fmt.Errorf("encode message ids: %w", err)
	}

	resp, err := c.bot.MakeRequest("forwardMessages", params)
	if err != nil {
		return nil, wrapAPIError("forwardMessages", err)
	}

	var result []struct {
		MessageID int `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode forwardMessages response: %w", err)
	}
	out := make([]platform.MessageID, 0, len(result))
	for _, r := range result {
		out = append(out, platform.MessageID(r.MessageID))
	}
	return out, nil
}

func (c *Client) DeleteMessages(ctx context.Context, chat platform.ChatID, ids []platform.MessageID) error {
	if c.bot == nil {
		return errNotStarted
	}
	if len(ids) == 0 {
		return nil
	}

	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", int64(chat))
	if err := params.AddInterface("message_ids", rawMessageIDs(ids)); err != nil {
		return fmt.Errorf("encode message ids: %w", err)
	}

	if _, err := c.bot.MakeRequest("deleteMessages", params); err != nil {
		return wrapAPIError("deleteMessages", err)
	}
	return nil
}

func (c *Client) EditMessageText(ctx context.Context, chat platform.ChatID, id platform.MessageID, text string) error {
	if c.bot == nil {
		return errNotStarted
	}
	edit := tgbotapi.NewEditMessageText(int64(chat), int(id), text)
	if _, err := c.bot.Send(edit); err != nil {
		return wrapAPIError("editMessageText", err)
	}
	return nil
}

// EditMessageCaption is the edit path for media messages, whose visible
// text lives in the caption.
func (c *Client) EditMessageCaption(ctx context.Context, chat platform.ChatID, id platform.MessageID, caption string) error {
	if c.bot == nil {
		return errNotStarted
	}
	edit := tgbotapi.NewEditMessageCaption(int64(chat), int(id), caption)
	if _, err := c.bot.Send(edit); err != nil {
		return wrapAPIError("editMessageCaption", err)
	}
	return nil
}

func (c *Client) SendText(ctx context.Context, chat platform.ChatID, text string) (platform.MessageID, error) {
	if c.bot == nil {
		return 0, errNotStarted
	}
	msg, err := c.bot.Send(tgbotapi.NewMessage(int64(chat), text))
	if err != nil {
		return 0, wrapAPIError("sendMessage", err)
	}
	return platform.MessageID(msg.MessageID), nil
}

func rawMessageIDs(ids []platform.MessageID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

// wrapAPIError translates Bot API failures into the engine's error
// taxonomy: retry_after hints become RateLimitError, lost write access
// becomes ErrWriteForbidden, vanished messages become ErrMessageNotFound.
func wrapAPIError(op string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.RetryAfter > 0 {
			return &platform.RateLimitError{RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second}
		}
		msg := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.Code == 403,
			strings.Contains(msg, "not enough rights"),
			strings.Contains(msg, "chat_write_forbidden"):
			return fmt.Errorf("%s: %s: %w", op, apiErr.Message, platform.ErrWriteForbidden)
		case strings.Contains(msg, "message to forward not found"),
			strings.Contains(msg, "message to edit not found"),
			strings.Contains(msg, "message to delete not found"),
			strings.Contains(msg, "message_id_invalid"),
			strings.Contains(msg, "message can't be forwarded"):
			return fmt.Errorf("%s: %s: %w", op, apiErr.Message, platform.ErrMessageNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
