package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/h1v3-io/deskline/internal/connector"
)

// Config is the bot identity plus who may talk to it.
type Config struct {
	Token       string
	AllowFrom   []int64 // user IDs; empty admits everyone
	// AdminChatID, when set, narrows AllowFrom to messages in that chat so
	// customers elsewhere can still open tickets.
	AdminChatID string
	APIEndpoint string  // Bot API URL format with two %s verbs (token, method)
}

// Connector carries customer and admin chats over Telegram long polling.
type Connector struct {
	bot     *tgbotapi.BotAPI
	config  Config
	handler connector.InboundHandler
	logger  *slog.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New authorizes the bot token with the Bot API.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Connector, error) {
	var bot *tgbotapi.BotAPI
	var err error
	if cfg.APIEndpoint != "" {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, cfg.APIEndpoint)
	} else {
		bot, err = tgbotapi.NewBotAPI(cfg.Token)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("telegram: authorized", "bot", bot.Self.UserName)

	return &Connector{
		bot:     bot,
		config:  cfg,
		handler: handler,
		logger:  logger,
	}, nil
}

func (c *Connector) Name() string { return "telegram" }

// Start polls for updates until ctx is done. Updates are handled on their
// own goroutines; a slow dataset write never stalls polling. Start waits
// for in-flight handlers before returning.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := c.bot.GetUpdatesChan(u)

	c.logger.Info("telegram: polling", "allow_from", len(c.config.AllowFrom))

	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.handleUpdate(ctx, update)
			}()

		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			c.wg.Wait()
			c.logger.Info("telegram: stopped")
			return ctx.Err()
		}
	}
}

// Stop cancels a running Start.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send delivers text first, then each Media path as a document captioned
// with its file name.
func (c *Connector) Send(_ context.Context, msg connector.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: send: chat id %q: %w", msg.ChatID, err)
	}

	if strings.TrimSpace(msg.Content) == "" && len(msg.Media) == 0 {
		c.logger.Debug("telegram: nothing to send", "chat_id", msg.ChatID)
		return nil
	}

	if strings.TrimSpace(msg.Content) != "" {
		if err := c.sendText(chatID, msg.Content); err != nil {
			return err
		}
	}

	for _, path := range msg.Media {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
		doc.Caption = filepath.Base(path)
		if _, err := c.bot.Send(doc); err != nil {
			return fmt.Errorf("telegram: send document %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func (c *Connector) sendText(chatID int64, content string) error {
	tgMsg := tgbotapi.NewMessage(chatID, MarkdownToTelegramHTML(content))
	tgMsg.ParseMode = tgbotapi.ModeHTML
	tgMsg.DisableWebPagePreview = true

	_, err := c.bot.Send(tgMsg)
	if err == nil {
		return nil
	}
	c.logger.Warn("telegram: html rejected, resending as plain text", "chat_id", chatID, "error", err)

	plain := tgbotapi.NewMessage(chatID, StripMarkdown(content))
	plain.DisableWebPagePreview = true
	if _, err = c.bot.Send(plain); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

func (c *Connector) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	inbound, ok := c.toInbound(update.Message)
	if !ok {
		return
	}

	if err := c.handler(ctx, inbound); err != nil {
		c.logger.Error("telegram: handle message", "chat_id", inbound.ChatID, "sender_id", inbound.SenderID, "error", err)
	}
}

// toInbound converts a Telegram message, applying the allow-list.
func (c *Connector) toInbound(msg *tgbotapi.Message) (connector.InboundMessage, bool) {
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return connector.InboundMessage{}, false
	}
	userID := msg.From.ID
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if c.restricted(chatID) && !slices.Contains(c.config.AllowFrom, userID) {
		c.logger.Warn("telegram: sender not allowed", "user_id", userID, "username", msg.From.UserName)
		return connector.InboundMessage{}, false
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return connector.InboundMessage{}, false
	}

	// Commands keep their slash; strip the @botname suffix used in groups.
	if msg.IsCommand() {
		text = "/" + msg.Command()
		if args := msg.CommandArguments(); args != "" {
			text += " " + args
		}
	}

	return connector.InboundMessage{
		Channel:    "telegram",
		SenderID:   strconv.FormatInt(userID, 10),
		SenderName: displayName(msg.From),
		ChatID:     chatID,
		Content:    text,
	}, true
}

// restricted reports whether the allow-list applies to chatID.
func (c *Connector) restricted(chatID string) bool {
	if len(c.config.AllowFrom) == 0 {
		return false
	}
	return c.config.AdminChatID == "" || chatID == c.config.AdminChatID
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return strconv.FormatInt(u.ID, 10)
}
