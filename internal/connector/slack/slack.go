package slackconn

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/slack-go/slack"

	"github.com/h1v3-io/deskline/internal/connector"
)

// Config holds Slack notifier configuration.
type Config struct {
	BotToken string // xoxb-... Bot User OAuth Token
	APIURL   string // Optional Web API base URL, must end with "/"
}

// Notifier posts deskline notifications to Slack channels. It is
// outbound-only: nothing is read back from Slack.
type Notifier struct {
	api    *slack.Client
	logger *slog.Logger
}

// New creates a Slack notifier. No request is made until Send.
func New(cfg Config, logger *slog.Logger) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot_token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}

	return &Notifier{
		api:    slack.New(cfg.BotToken, opts...),
		logger: logger,
	}, nil
}

func (n *Notifier) Name() string { return "slack" }

// Send posts msg to the channel in msg.ChatID. Slack needs a separate
// upload flow for files, so attachments are listed by name only.
func (n *Notifier) Send(ctx context.Context, msg connector.OutboundMessage) error {
	text := MarkdownToMrkdwn(msg.Content)
	for _, path := range msg.Media {
		text += "\n:paperclip: `" + filepath.Base(path) + "`"
	}
	text = strings.TrimSpace(text)
	if text == "" {
		n.logger.Warn("skipping empty slack message", "channel", msg.ChatID)
		return nil
	}

	_, ts, err := n.api.PostMessageContext(ctx, msg.ChatID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack: send message: %w", err)
	}
	n.logger.Debug("slack message posted", "channel", msg.ChatID, "ts", ts)
	return nil
}

var reBold = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)

// MarkdownToMrkdwn converts the **bold** and `code` markers deskline emits
// to Slack mrkdwn, escaping the characters Slack treats as control codes.
func MarkdownToMrkdwn(md string) string {
	s := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(md)

	var b strings.Builder
	for i, part := range strings.Split(s, "`") {
		if i > 0 {
			b.WriteByte('`')
		}
		// Odd parts sit between backticks and stay literal.
		if i%2 == 1 {
			b.WriteString(part)
			continue
		}
		b.WriteString(reBold.ReplaceAllString(part, "*$1*"))
	}
	return b.String()
}
