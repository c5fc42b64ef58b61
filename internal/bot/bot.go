// Package bot is the Telegram surface of calwatch: it pushes change
// notifications to the configured chats and answers a small set of
// read-only commands about tracked calendars.
package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"calwatch/config"
	"calwatch/internal/domain"
	"calwatch/internal/service"
	"calwatch/internal/storage"
	"calwatch/internal/store"
)

type Bot struct {
	api       *tgbotapi.BotAPI
	cfg       *config.Config
	snapshots *store.Store
	journal   *storage.Storage
	tracker   *service.Tracker
	sources   []domain.Source
}

func New(cfg *config.Config, snapshots *store.Store, journal *storage.Storage, tracker *service.Tracker) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("telegram bot authorized")

	bot := &Bot{
		api:       api,
		cfg:       cfg,
		snapshots: snapshots,
		journal:   journal,
		tracker:   tracker,
		sources:   cfg.Sources(),
	}

	// Set bot commands (menu button)
	bot.setCommands()

	return bot, nil
}

func (b *Bot) setCommands() {
	commands := []tgbotapi.BotCommand{
		{Command: "summary", Description: "📅 Upcoming events"},
		{Command: "calendars", Description: "📚 Tracked calendars"},
		{Command: "history", Description: "🕓 Recent changes"},
		{Command: "check", Description: "🔄 Poll all calendars now"},
		{Command: "help", Description: "❓ Command reference"},
	}

	cfg := tgbotapi.NewSetMyCommands(commands...)
	if _, err := b.api.Request(cfg); err != nil {
		log.Warn().Err(err).Msg("failed to set bot commands")
	}
}

// Start long-polls Telegram for updates until the context is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update := <-updates:
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return
	}

	if !b.cfg.IsAllowedChat(msg.Chat.ID) {
		log.Warn().Int64("chat_id", msg.Chat.ID).Str("command", msg.Command()).
			Msg("ignoring command from unauthorized chat")
		return
	}

	b.handleCommand(ctx, msg)
}

// Notify implements service.Notifier. Delivery is best-effort: a failed
// send is logged and never retried, the change is already journaled.
func (b *Bot) Notify(sourceName string, changes []domain.Change) {
	if len(changes) == 0 {
		return
	}

	text := formatChanges(sourceName, changes)
	for _, chatID := range b.cfg.Telegram.ChatIDs {
		if err := b.SendMessage(chatID, text); err != nil {
			log.Warn().Err(err).Int64("chat_id", chatID).Str("source", sourceName).
				Msg("failed to deliver change notification")
		}
	}
}

func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "HTML"
	_, err := b.api.Send(msg)
	return err
}
