package alerts

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/quotagate/quotagate/internal/logging"
)

// messageSender is the part of tgbotapi.BotAPI the notifier needs.
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts alerts to a Telegram chat.
type TelegramNotifier struct {
	bot    messageSender
	chatID int64
}

// NewTelegramNotifier connects to the Bot API with the given token.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) Name() string {
	return "telegram"
}

// Notify sends the formatted alert.
func (n *TelegramNotifier) Notify(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, FormatAlert(alert))
	msg.ParseMode = tgbotapi.ModeMarkdown
	_, err := n.bot.Send(msg)
	return err
}

// FormatAlert renders an alert as a Markdown message.
func FormatAlert(alert Alert) string {
	var icon string
	switch alert.Severity {
	case SeverityCritical:
		icon = "🔴"
	case SeverityWarning:
		icon = "🟡"
	default:
		icon = "ℹ️"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n", icon, strings.ReplaceAll(string(alert.Type), "_", " "))
	fmt.Fprintf(&b, "Tenant: `%s`\n", alert.TenantID)
	if alert.Resource != "" {
		fmt.Fprintf(&b, "Resource: %s\n", alert.Resource)
	}
	if alert.Type == AlertTypeLimitReached {
		fmt.Fprintf(&b, "Usage: %d / %d\n", alert.Current, alert.Limit)
		if alert.SuggestedTier != "" && alert.SuggestedTier != "none" {
			fmt.Fprintf(&b, "Suggested tier: %s\n", alert.SuggestedTier)
		}
	}
	if alert.Message != "" {
		b.WriteString(alert.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

// LogNotifier writes alerts to the structured log. It is used when no chat is configured.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string {
	return "log"
}

func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.logger.WarnWithContext(ctx, "alert",
		"alert_id", alert.ID,
		"type", string(alert.Type),
		"severity", string(alert.Severity),
		"tenant_id", alert.TenantID,
		"resource", alert.Resource,
		"current", alert.Current,
		"limit", alert.Limit,
		"message", alert.Message,
	)
	return nil
}
