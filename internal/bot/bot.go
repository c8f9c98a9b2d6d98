package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/example/engprogress/internal/logger"
	"github.com/example/engprogress/internal/progress"
)

// MenuButton represents a button in the menu
type MenuButton struct {
	Text         string
	CallbackData string
}

// createKeyboard creates a keyboard from menu buttons
func createKeyboard(buttons [][]MenuButton) tgbotapi.InlineKeyboardMarkup {
	var keyboard [][]tgbotapi.InlineKeyboardButton
	for _, row := range buttons {
		var keyboardRow []tgbotapi.InlineKeyboardButton
		for _, button := range row {
			keyboardRow = append(keyboardRow, tgbotapi.NewInlineKeyboardButtonData(button.Text, button.CallbackData))
		}
		keyboard = append(keyboard, keyboardRow)
	}
	return tgbotapi.NewInlineKeyboardMarkup(keyboard...)
}

// sender is the part of the Telegram API the bot uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bot is the learner's Telegram front end: it sends reminders and lets the
// learner review due items from the chat.
type Bot struct {
	api    *tgbotapi.BotAPI
	out    sender
	svc    *progress.Service
	config *Config
	log    *logger.Logger
}

// New authorizes against the Telegram API
func New(config *Config, svc *progress.Service, log *logger.Logger) (*Bot, error) {
	if config == nil || config.Token == "" {
		return nil, fmt.Errorf("telegram token is not set")
	}
	api, err := tgbotapi.NewBotAPI(config.Token)
	if err != nil {
		return nil, fmt.Errorf("unable to create bot: %w", err)
	}
	b := newBot(api, config, svc, log)
	b.api = api
	b.log.Info("authorized", "account", api.Self.UserName)
	return b, nil
}

func newBot(out sender, config *Config, svc *progress.Service, log *logger.Logger) *Bot {
	if config == nil {
		config = DefaultConfig()
	}
	return &Bot{
		out:    out,
		svc:    svc,
		config: config,
		log:    logger.OrNop(log).With("component", "bot"),
	}
}

// Start handles incoming updates until ctx is done
func (b *Bot) Start(ctx context.Context) error {
	if b.api == nil {
		return fmt.Errorf("bot is not connected")
	}
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) allowed(chatID int64) bool {
	return b.config.ChatID == 0 || b.config.ChatID == chatID
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	var err error
	switch {
	case update.Message != nil && update.Message.IsCommand():
		if !b.allowed(update.Message.Chat.ID) {
			b.log.Warn("ignoring command from unknown chat", "chat", update.Message.Chat.ID)
			return
		}
		err = b.HandleCommand(ctx, update.Message)
	case update.CallbackQuery != nil:
		if msg := update.CallbackQuery.Message; msg != nil && msg.Chat != nil && !b.allowed(msg.Chat.ID) {
			return
		}
		err = b.HandleCallback(ctx, update.CallbackQuery)
	}
	if err != nil {
		b.log.Error("failed to handle update", "update", update.UpdateID, "error", err)
	}
}

func (b *Bot) sendMessage(msg tgbotapi.MessageConfig) error {
	if _, err := b.out.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendReminders implements the scheduler.Notifier interface
func (b *Bot) SendReminders(_ context.Context, count int) error {
	if b.config.ChatID == 0 {
		return fmt.Errorf("no chat configured for reminders")
	}
	word := "items"
	if count == 1 {
		word = "item"
	}
	msg := tgbotapi.NewMessage(b.config.ChatID, fmt.Sprintf("You have %d %s to review!", count, word))
	msg.ReplyMarkup = createKeyboard([][]MenuButton{
		{{Text: "▶️ Start review", CallbackData: callbackReview}},
	})
	if err := b.sendMessage(msg); err != nil {
		b.log.Error("failed to send reminder", "chat", b.config.ChatID, "error", err)
		return err
	}
	b.log.Info("reminder sent", "chat", b.config.ChatID, "count", count)
	return nil
}
