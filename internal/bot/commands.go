package bot

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"calwatch/internal/domain"
	"calwatch/internal/ical"
	"calwatch/internal/storage"
)

const historyLimit = 15

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())

	switch cmd {
	case "start", "help":
		b.cmdHelp(chatID)
	case "summary":
		b.cmdSummary(chatID, args)
	case "calendars":
		b.cmdCalendars(chatID)
	case "history":
		b.cmdHistory(chatID, args)
	case "check":
		b.cmdCheck(ctx, chatID)
	default:
		b.reply(chatID, "Unknown command. /help for the command list")
	}
}

func (b *Bot) cmdHelp(chatID int64) {
	text := `<b>Commands:</b>

/summary [calendar] — upcoming events
/calendars — tracked calendars and poll state
/history [calendar] — recently detected changes
/check — poll all calendars now
/help — this reference`

	b.reply(chatID, text)
}

func (b *Bot) cmdSummary(chatID int64, args string) {
	sources, err := b.selectSources(args)
	if err != nil {
		b.reply(chatID, "❌ "+err.Error())
		return
	}

	now := time.Now()
	until := now.AddDate(0, 0, b.cfg.SummaryDays)

	var sb strings.Builder
	fmt.Fprintf(&sb, "📅 <b>Next %d days</b>\n", b.cfg.SummaryDays)

	total := 0
	for _, src := range sources {
		snap, err := b.snapshots.Load(src.ID())
		if err != nil || snap == nil {
			continue
		}
		occs := ical.Occurrences(snap, now, until, src.Timezone)
		if len(occs) == 0 {
			continue
		}
		total += len(occs)
		fmt.Fprintf(&sb, "\n<b>%s</b>\n", html.EscapeString(src.DisplayName()))
		for _, occ := range occs {
			fmt.Fprintf(&sb, "• %s — %s\n", formatOccurrence(occ, src.Timezone), html.EscapeString(occ.Event.Summary))
		}
	}

	if total == 0 {
		b.reply(chatID, fmt.Sprintf("📅 Nothing scheduled in the next %d days", b.cfg.SummaryDays))
		return
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) cmdCalendars(chatID int64) {
	states, err := b.journal.SourceStates()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load source states")
	}

	byID := make(map[string]*storage.SourceState, len(states))
	for _, st := range states {
		byID[st.SourceID] = st
	}

	var sb strings.Builder
	sb.WriteString("📚 <b>Tracked calendars</b>\n\n")
	for _, src := range b.sources {
		fmt.Fprintf(&sb, "<b>%s</b> (%s)\n", html.EscapeString(src.DisplayName()), src.Type)
		st, ok := byID[src.ID()]
		if !ok || st.LastPoll == nil {
			sb.WriteString("  not polled yet\n")
			continue
		}
		fmt.Fprintf(&sb, "  last poll %s, %d events\n", st.LastPoll.Local().Format("02.01.2006 15:04"), st.EventCount)
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) cmdHistory(chatID int64, args string) {
	sources, err := b.selectSources(args)
	if err != nil {
		b.reply(chatID, "❌ "+err.Error())
		return
	}

	var sb strings.Builder
	sb.WriteString("🕓 <b>Recent changes</b>\n")

	total := 0
	for _, src := range sources {
		records, err := b.journal.RecentChanges(src.ID(), historyLimit)
		if err != nil {
			log.Warn().Err(err).Str("source", src.DisplayName()).Msg("failed to load change history")
			continue
		}
		if len(records) == 0 {
			continue
		}
		total += len(records)
		fmt.Fprintf(&sb, "\n<b>%s</b>\n", html.EscapeString(src.DisplayName()))
		for _, rec := range records {
			sb.WriteString("• " + formatRecord(rec) + "\n")
		}
	}

	if total == 0 {
		b.reply(chatID, "🕓 No changes recorded yet")
		return
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) cmdCheck(ctx context.Context, chatID int64) {
	b.reply(chatID, fmt.Sprintf("🔄 Polling %d calendars…", len(b.sources)))

	failed := 0
	for _, src := range b.sources {
		if err := b.tracker.RunTick(ctx, src); err != nil {
			failed++
			log.Warn().Err(err).Str("source", src.DisplayName()).Msg("manual poll failed")
		}
	}

	if failed > 0 {
		b.reply(chatID, fmt.Sprintf("⚠️ Done, %d of %d calendars failed", failed, len(b.sources)))
		return
	}
	b.reply(chatID, "✅ All calendars polled")
}

// selectSources resolves a command argument to tracked sources: empty
// means all of them, otherwise a case-insensitive name match.
func (b *Bot) selectSources(name string) ([]domain.Source, error) {
	if name == "" {
		return b.sources, nil
	}
	for _, src := range b.sources {
		if strings.EqualFold(src.DisplayName(), name) {
			return []domain.Source{src}, nil
		}
	}
	return nil, fmt.Errorf("no calendar named %q, see /calendars", name)
}

func (b *Bot) reply(chatID int64, text string) {
	if err := b.SendMessage(chatID, text); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send reply")
	}
}
