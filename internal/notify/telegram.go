package notify

import (
	"fmt"
	"os"
	"strconv"

	"sentinel/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const chatIDFile = "chat_id.txt"

// TelegramSink delivers signal summaries to one chat. The chat ID is taken
// from the environment, the saved file, or sniffed from the first inbound
// message.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// NewTelegramSink initialises the bot from TELEGRAM_BOT_TOKEN. A missing
// token disables the sink (returns nil), matching the rest of the pipeline's
// degrade-don't-die posture.
func NewTelegramSink(log zerolog.Logger) *TelegramSink {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, messaging sink disabled")
		return nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Warn().Err(err).Msg("telegram bot init failed, messaging sink disabled")
		return nil
	}
	log.Info().Str("account", bot.Self.UserName).Msg("telegram authorized")

	ts := &TelegramSink{bot: bot, log: log}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		ts.chatID, _ = strconv.ParseInt(raw, 10, 64)
	}
	if ts.chatID == 0 {
		ts.chatID = loadChatID()
	}
	if ts.chatID != 0 {
		log.Info().Int64("chat_id", ts.chatID).Msg("loaded persistent chat id")
	}
	return ts
}

func loadChatID() int64 {
	data, err := os.ReadFile(chatIDFile)
	if err != nil {
		return 0
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (ts *TelegramSink) saveChatID(id int64) {
	if err := os.WriteFile(chatIDFile, []byte(fmt.Sprintf("%d", id)), 0o644); err != nil {
		ts.log.Warn().Err(err).Msg("failed to save chat id")
	}
}

// Send delivers one formatted signal. The dispatcher owns retries; a single
// attempt either lands or errors.
func (ts *TelegramSink) Send(sig *domain.TradingSignal) error {
	if ts == nil || ts.bot == nil || ts.chatID == 0 {
		return nil // sink disabled or not yet configured
	}
	msg := tgbotapi.NewMessage(ts.chatID, Summary(sig))
	msg.ParseMode = "Markdown"
	if _, err := ts.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Notify fires a plain status line, used for boot and shutdown banners.
func (ts *TelegramSink) Notify(text string) {
	if ts == nil || ts.bot == nil || ts.chatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(ts.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := ts.bot.Send(msg); err != nil {
		ts.log.Warn().Err(err).Msg("telegram notify failed")
	}
}

// StartEventListener polls updates so the chat can auto-configure its ID
// and ask for a status report with /status.
func (ts *TelegramSink) StartEventListener(statusCallback func() string) {
	if ts == nil || ts.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := ts.bot.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil {
			continue
		}

		if ts.chatID == 0 {
			ts.chatID = update.Message.Chat.ID
			ts.saveChatID(ts.chatID)
			ts.log.Info().Int64("chat_id", ts.chatID).Msg("chat id captured")
			ts.Notify("🔔 Connected. Signal alerts enabled.")
		}

		if update.Message.IsCommand() {
			switch update.Message.Command() {
			case "start":
				if ts.chatID != update.Message.Chat.ID {
					ts.chatID = update.Message.Chat.ID
					ts.saveChatID(ts.chatID)
				}
				ts.Notify("🚀 *Sentinel online.* Monitoring liquidations and order flow.")
			case "status":
				if statusCallback != nil {
					ts.Notify(statusCallback())
				}
			}
		}
	}
}
