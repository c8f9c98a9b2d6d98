package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/example/engprogress/pkg/models"
)

// Constants for callback data
const (
	callbackReview       = "review"
	callbackKnewPrefix   = "knew:"
	callbackMissedPrefix = "missed:"

	// maxCallbackData is Telegram's limit on callback data, in bytes
	maxCallbackData = 64
)

// HandleCommand handles bot commands
func (b *Bot) HandleCommand(ctx context.Context, message *tgbotapi.Message) error {
	var err error
	switch message.Command() {
	case "start", "help":
		err = b.handleHelp(message)
	case "due":
		err = b.handleDue(ctx, message.Chat.ID)
	case "review":
		err = b.sendNextReview(ctx, message.Chat.ID)
	case "answer":
		err = b.handleAnswer(ctx, message)
	case "stats":
		err = b.handleStats(ctx, message)
	default:
		err = b.handleUnknownCommand(message)
	}
	return err
}

func (b *Bot) handleHelp(message *tgbotapi.Message) error {
	text := "📖 Commands\n\n" +
		"/due - List items due for review\n" +
		"/review - Review the next due item\n" +
		"/answer <item> <yes|no> - Record an answer\n" +
		"/stats - Show your progress"
	msg := tgbotapi.NewMessage(message.Chat.ID, text)
	msg.ReplyMarkup = createKeyboard([][]MenuButton{
		{{Text: "▶️ Start review", CallbackData: callbackReview}},
	})
	return b.sendMessage(msg)
}

func (b *Bot) handleDue(ctx context.Context, chatID int64) error {
	due, err := b.svc.Due(ctx, b.config.DueListSize)
	if err != nil {
		return fmt.Errorf("failed to get due items: %w", err)
	}
	if len(due) == 0 {
		return b.sendMessage(tgbotapi.NewMessage(chatID, "✅ Nothing to review right now."))
	}
	var text strings.Builder
	text.WriteString("🔄 Due for review:\n\n")
	for i, rec := range due {
		text.WriteString(fmt.Sprintf("%d. %s (%s)\n", i+1, rec.ItemID, rec.MasteryLevel))
	}
	msg := tgbotapi.NewMessage(chatID, text.String())
	msg.ReplyMarkup = createKeyboard([][]MenuButton{
		{{Text: "▶️ Start review", CallbackData: callbackReview}},
	})
	return b.sendMessage(msg)
}

// sendNextReview asks about the first due item
func (b *Bot) sendNextReview(ctx context.Context, chatID int64) error {
	due, err := b.svc.Due(ctx, 1)
	if err != nil {
		return fmt.Errorf("failed to get due items: %w", err)
	}
	if len(due) == 0 {
		return b.sendMessage(tgbotapi.NewMessage(chatID, "🎉 All caught up!"))
	}
	item := due[0].ItemID
	if len(callbackMissedPrefix)+len(item) > maxCallbackData {
		text := fmt.Sprintf("Do you know \"%s\"?\nThe id is too long for buttons, reply with /answer %s yes|no", item, item)
		return b.sendMessage(tgbotapi.NewMessage(chatID, text))
	}
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Do you know \"%s\"?", item))
	msg.ReplyMarkup = createKeyboard([][]MenuButton{{
		{Text: "✅ Knew it", CallbackData: callbackKnewPrefix + item},
		{Text: "❌ Missed it", CallbackData: callbackMissedPrefix + item},
	}})
	return b.sendMessage(msg)
}

func parseVerdict(s string) (correct bool, ok bool) {
	switch strings.ToLower(s) {
	case "yes", "y", "correct", "right", "1", "true":
		return true, true
	case "no", "n", "wrong", "0", "false":
		return false, true
	}
	return false, false
}

func (b *Bot) handleAnswer(ctx context.Context, message *tgbotapi.Message) error {
	fields := strings.Fields(message.CommandArguments())
	if len(fields) != 2 {
		return b.sendMessage(tgbotapi.NewMessage(message.Chat.ID, "Usage: /answer <item> <yes|no>"))
	}
	correct, ok := parseVerdict(fields[1])
	if !ok {
		return b.sendMessage(tgbotapi.NewMessage(message.Chat.ID, "Please answer with yes or no"))
	}
	rec, err := b.svc.RecordAnswer(ctx, fields[0], correct)
	if err != nil {
		return err
	}
	return b.sendMessage(tgbotapi.NewMessage(message.Chat.ID, answerText(rec, correct)))
}

func answerText(rec models.ProgressRecord, correct bool) string {
	mark := "✅"
	if !correct {
		mark = "❌"
	}
	return fmt.Sprintf("%s %s: %s, next review %s", mark, rec.ItemID, rec.MasteryLevel,
		rec.NextReviewAt.Format("Jan 2 15:04"))
}

func (b *Bot) handleStats(ctx context.Context, message *tgbotapi.Message) error {
	stats, err := b.svc.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	var text strings.Builder
	text.WriteString("📊 Your progress\n\n")
	text.WriteString(fmt.Sprintf("Items: %d (learned %d)\n", stats.Total, stats.Learned))
	text.WriteString(fmt.Sprintf("Due now: %d\n", stats.Due))
	text.WriteString(fmt.Sprintf("Accuracy: %.0f%%\n", stats.Accuracy()*100))
	for l := models.NotStarted; l <= models.Expert; l++ {
		if n := stats.ByLevel[l.String()]; n > 0 {
			text.WriteString(fmt.Sprintf("%s: %d\n", l, n))
		}
	}
	if stats.Pending > 0 {
		text.WriteString(fmt.Sprintf("\n⏳ %d changes waiting to sync", stats.Pending))
	}
	return b.sendMessage(tgbotapi.NewMessage(message.Chat.ID, text.String()))
}

func (b *Bot) handleUnknownCommand(message *tgbotapi.Message) error {
	return b.sendMessage(tgbotapi.NewMessage(message.Chat.ID, "Unknown command. Use /help to see the commands."))
}

// HandleCallback handles inline keyboard presses
func (b *Bot) HandleCallback(ctx context.Context, callback *tgbotapi.CallbackQuery) error {
	if _, err := b.out.Request(tgbotapi.NewCallback(callback.ID, "")); err != nil {
		b.log.Warn("failed to acknowledge callback", "error", err)
	}
	// buttons on messages older than 48 hours arrive without the message
	if callback.Message == nil || callback.Message.Chat == nil {
		b.log.Debug("ignoring callback without a message", "data", callback.Data)
		return nil
	}
	chatID := callback.Message.Chat.ID

	data := callback.Data
	switch {
	case data == callbackReview:
		return b.sendNextReview(ctx, chatID)
	case strings.HasPrefix(data, callbackKnewPrefix), strings.HasPrefix(data, callbackMissedPrefix):
		correct := strings.HasPrefix(data, callbackKnewPrefix)
		item := strings.TrimPrefix(strings.TrimPrefix(data, callbackKnewPrefix), callbackMissedPrefix)
		rec, err := b.svc.RecordAnswer(ctx, item, correct)
		if err != nil {
			return err
		}
		if err := b.sendMessage(tgbotapi.NewMessage(chatID, answerText(rec, correct))); err != nil {
			return err
		}
		return b.sendNextReview(ctx, chatID)
	}
	return fmt.Errorf("unknown callback %q", data)
}
