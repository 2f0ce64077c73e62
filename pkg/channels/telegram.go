package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/dev-adhiraj/be-better/pkg/blockchain"
	"github.com/dev-adhiraj/be-better/pkg/broker"
	"github.com/dev-adhiraj/be-better/pkg/config"
	"github.com/dev-adhiraj/be-better/pkg/logger"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

// Approver is what the approval surfaces need from the broker.
// *broker.Broker implements it.
type Approver interface {
	Decide(ctx context.Context, d broker.Decision) error
	Pending(ctx context.Context) ([]storage.PendingRecord, error)
	ActiveChain(ctx context.Context) (string, error)
}

const (
	callbackApprove = "approve"
	callbackReject  = "reject"
)

// TelegramSurface shows pending requests in one chat with inline approve
// and reject buttons.
type TelegramSurface struct {
	bot      *telego.Bot
	config   config.TelegramConfig
	approver Approver
	commands TelegramCommander

	mu       sync.Mutex
	messages map[string]int
	texts    map[string]string
}

func NewTelegramSurface(cfg config.TelegramConfig, approver Approver, opts ...telego.BotOption) (*TelegramSurface, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id is required")
	}
	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	s := &TelegramSurface{
		bot:      bot,
		config:   cfg,
		approver: approver,
		messages: make(map[string]int),
		texts:    make(map[string]string),
	}
	s.commands = newTelegramCommands(bot, approver, s.reannounce)
	return s, nil
}

func (s *TelegramSurface) Name() string { return "telegram" }

func approveData(tier blockchain.GasTier, id string) string {
	return callbackApprove + ":" + string(tier) + ":" + id
}

func rejectData(id string) string {
	return callbackReject + ":" + id
}

func keyboard(rec storage.PendingRecord) *telego.InlineKeyboardMarkup {
	reject := tu.InlineKeyboardButton("Reject").WithCallbackData(rejectData(rec.ID))
	if IsTransaction(rec) {
		return tu.InlineKeyboard(
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("Low gas").WithCallbackData(approveData(blockchain.GasLow, rec.ID)),
				tu.InlineKeyboardButton("Medium gas").WithCallbackData(approveData(blockchain.GasMedium, rec.ID)),
				tu.InlineKeyboardButton("High gas").WithCallbackData(approveData(blockchain.GasHigh, rec.ID)),
			),
			tu.InlineKeyboardRow(reject),
		)
	}
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Approve").WithCallbackData(approveData("", rec.ID)),
			reject,
		),
	)
}

func (s *TelegramSurface) Announce(ctx context.Context, rec storage.PendingRecord) error {
	return s.announceTo(ctx, s.config.ChatID, rec)
}

func (s *TelegramSurface) announceTo(ctx context.Context, chatID int64, rec storage.PendingRecord) error {
	text := Describe(rec)
	msg, err := s.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID:      telego.ChatID{ID: chatID},
		Text:        text,
		ReplyMarkup: keyboard(rec),
	})
	if err != nil {
		return fmt.Errorf("failed to send approval message: %w", err)
	}

	// only messages in the approval chat are edited on resolution
	if chatID == s.config.ChatID {
		s.mu.Lock()
		s.messages[rec.ID] = msg.MessageID
		s.texts[rec.ID] = text
		s.mu.Unlock()
	}
	logger.DebugCF("telegram", "Approval request sent", map[string]any{
		"id":   rec.ID,
		"kind": rec.Kind,
	})
	return nil
}

func (s *TelegramSurface) reannounce(ctx context.Context, chatID int64, id string) error {
	pending, err := s.approver.Pending(ctx)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if rec.ID == id {
			return s.announceTo(ctx, chatID, rec)
		}
	}
	return broker.ErrUnknownRequest
}

// Resolved replaces the buttons with the outcome.
func (s *TelegramSurface) Resolved(ctx context.Context, id, outcome string) error {
	s.mu.Lock()
	msgID, ok := s.messages[id]
	text := s.texts[id]
	delete(s.messages, id)
	delete(s.texts, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := s.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    telego.ChatID{ID: s.config.ChatID},
		MessageID: msgID,
		Text:      text + "\n\nOutcome: " + outcome,
	})
	if err != nil {
		return fmt.Errorf("failed to update approval message: %w", err)
	}
	return nil
}

// allowed checks the sender against allow_from. An empty list admits only
// the approval chat's own user.
func (s *TelegramSurface) allowed(u telego.User) bool {
	if len(s.config.AllowFrom) == 0 {
		return u.ID == s.config.ChatID
	}
	id := strconv.FormatInt(u.ID, 10)
	for _, a := range s.config.AllowFrom {
		a = strings.TrimPrefix(a, "@")
		if a == id || (u.Username != "" && strings.EqualFold(a, u.Username)) {
			return true
		}
	}
	return false
}

// parseCallback splits callback data into a decision.
func parseCallback(data string) (broker.Decision, bool) {
	parts := strings.SplitN(data, ":", 3)
	switch {
	case len(parts) == 3 && parts[0] == callbackApprove && parts[2] != "":
		return broker.Decision{ID: parts[2], Approved: true, GasTier: parts[1]}, true
	case len(parts) == 2 && parts[0] == callbackReject && parts[1] != "":
		return broker.Decision{ID: parts[1]}, true
	}
	return broker.Decision{}, false
}

func (s *TelegramSurface) handleCallback(ctx context.Context, q telego.CallbackQuery) error {
	answer := func(text string) error {
		return s.bot.AnswerCallbackQuery(ctx, tu.CallbackQuery(q.ID).WithText(text))
	}

	if !s.allowed(q.From) {
		logger.WarnCF("telegram", "Decision from unauthorized user", map[string]any{
			"user_id":  q.From.ID,
			"username": q.From.Username,
		})
		return answer("Not authorized")
	}

	d, ok := parseCallback(q.Data)
	if !ok {
		return answer("Unknown action")
	}

	err := s.approver.Decide(ctx, d)
	switch {
	case err == nil:
		logger.InfoCF("telegram", "Decision submitted", map[string]any{
			"id":       d.ID,
			"approved": d.Approved,
			"gas_tier": d.GasTier,
			"user_id":  q.From.ID,
		})
		if d.Approved {
			return answer("Approved")
		}
		return answer("Rejected")
	case errors.Is(err, broker.ErrAlreadyResolved), errors.Is(err, broker.ErrUnknownRequest):
		return answer("Already resolved")
	default:
		logger.ErrorCF("telegram", "Decision failed", map[string]any{
			"id":    d.ID,
			"error": err.Error(),
		})
		return answer("Failed: " + err.Error())
	}
}

func (s *TelegramSurface) handleMessage(ctx context.Context, message telego.Message) error {
	if message.From == nil || !s.allowed(*message.From) || !strings.HasPrefix(message.Text, "/") {
		return nil
	}
	switch commandName(message.Text) {
	case "start":
		return s.commands.Start(ctx, message)
	case "help":
		return s.commands.Help(ctx, message)
	case "status":
		return s.commands.Status(ctx, message)
	case "pending":
		return s.commands.Pending(ctx, message)
	}
	return nil
}

// Run long-polls for button presses and commands until ctx ends.
func (s *TelegramSurface) Run(ctx context.Context) error {
	updates, err := s.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		return fmt.Errorf("failed to start telegram polling: %w", err)
	}
	logger.InfoCF("telegram", "Telegram approval surface started", map[string]any{
		"chat_id": s.config.ChatID,
	})

	for update := range updates {
		var herr error
		switch {
		case update.CallbackQuery != nil:
			herr = s.handleCallback(ctx, *update.CallbackQuery)
		case update.Message != nil:
			herr = s.handleMessage(ctx, *update.Message)
		}
		if herr != nil {
			logger.WarnCF("telegram", "Failed to handle update", map[string]any{
				"update_id": update.UpdateID,
				"error":     herr.Error(),
			})
		}
	}
	logger.InfoC("telegram", "Telegram approval surface stopped")
	return nil
}
