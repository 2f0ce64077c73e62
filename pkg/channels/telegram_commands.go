package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

type TelegramCommander interface {
	Help(ctx context.Context, message telego.Message) error
	Start(ctx context.Context, message telego.Message) error
	Status(ctx context.Context, message telego.Message) error
	Pending(ctx context.Context, message telego.Message) error
}

type cmd struct {
	bot      *telego.Bot
	approver Approver
	// reannounce sends a pending request again with its buttons
	reannounce func(ctx context.Context, chatID int64, id string) error
}

func newTelegramCommands(bot *telego.Bot, approver Approver, reannounce func(context.Context, int64, string) error) TelegramCommander {
	return &cmd{
		bot:        bot,
		approver:   approver,
		reannounce: reannounce,
	}
}

func commandArgs(text string) string {
	parts := strings.SplitN(text, " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// commandName strips the leading slash and any @botname suffix.
func commandName(text string) string {
	name := strings.Fields(text)[0]
	name = strings.TrimPrefix(name, "/")
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name)
}

func (c *cmd) reply(ctx context.Context, message telego.Message, text string) error {
	_, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: message.Chat.ID},
		Text:   text,
		ReplyParameters: &telego.ReplyParameters{
			MessageID: message.MessageID,
		},
	})
	return err
}

func (c *cmd) Help(ctx context.Context, message telego.Message) error {
	msg := `Apollo approval bot

/start - Start the bot
/help - Show this help message
/status - Show the active chain and queue size
/pending [id] - List pending requests, or resend one with its buttons

Requests arrive here as they are made. Use the buttons under each one to approve or reject it. Transactions offer low, medium and high gas.`
	return c.reply(ctx, message, msg)
}

func (c *cmd) Start(ctx context.Context, message telego.Message) error {
	_, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(message.Chat.ID),
		"Apollo approvals are on.\n\nUse /help to see available commands."))
	return err
}

func (c *cmd) Status(ctx context.Context, message telego.Message) error {
	chain, err := c.approver.ActiveChain(ctx)
	if err != nil {
		return c.reply(ctx, message, fmt.Sprintf("Broker unavailable: %v", err))
	}
	pending, err := c.approver.Pending(ctx)
	if err != nil {
		return c.reply(ctx, message, fmt.Sprintf("Broker unavailable: %v", err))
	}
	return c.reply(ctx, message, fmt.Sprintf("Active chain: %s\nPending requests: %d", chain, len(pending)))
}

func (c *cmd) Pending(ctx context.Context, message telego.Message) error {
	if id := commandArgs(message.Text); id != "" {
		if err := c.reannounce(ctx, message.Chat.ID, id); err != nil {
			return c.reply(ctx, message, fmt.Sprintf("Cannot resend %s: %v", id, err))
		}
		return nil
	}

	pending, err := c.approver.Pending(ctx)
	if err != nil {
		return c.reply(ctx, message, fmt.Sprintf("Broker unavailable: %v", err))
	}
	if len(pending) == 0 {
		return c.reply(ctx, message, "No pending requests.")
	}

	var sb strings.Builder
	for _, rec := range pending {
		fmt.Fprintf(&sb, "%s  %s  %s\n", rec.ID, rec.Kind, rec.Origin)
	}
	sb.WriteString("\nUse /pending <id> to act on one.")
	return c.reply(ctx, message, sb.String())
}
