package bot

import (
	"fmt"
	"html"
	"strings"
	"time"

	"calwatch/internal/domain"
	"calwatch/internal/ical"
)

// formatChanges renders one change notification. Changes arrive already
// grouped (removed, added, modified) and sorted, so rendering is a
// single pass.
func formatChanges(sourceName string, changes []domain.Change) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📅 <b>%s</b> changed (%s)\n", html.EscapeString(sourceName), plural(len(changes), "event"))

	var kind domain.ChangeKind
	for i := range changes {
		ch := &changes[i]
		if ch.Kind != kind {
			kind = ch.Kind
			sb.WriteString("\n" + kindHeading(kind) + "\n")
		}
		sb.WriteString("• " + formatChange(ch) + "\n")
	}
	return sb.String()
}

func kindHeading(kind domain.ChangeKind) string {
	switch kind {
	case domain.ChangeAdded:
		return "➕ <b>Added</b>"
	case domain.ChangeRemoved:
		return "➖ <b>Removed</b>"
	case domain.ChangeModified:
		return "✏️ <b>Modified</b>"
	}
	return string(kind)
}

func formatChange(ch *domain.Change) string {
	ev := ch.Event()
	line := fmt.Sprintf("<b>%s</b> — %s", html.EscapeString(ev.Summary), ev.FormatTime())

	if ch.Kind != domain.ChangeModified {
		return line
	}

	details := make([]string, 0, len(ch.Fields))
	for _, f := range ch.Fields {
		details = append(details, fieldDetail(f, ch.Old, ch.New))
	}
	return line + "\n  " + strings.Join(details, "\n  ")
}

func fieldDetail(f domain.Field, old, new *domain.Event) string {
	switch f {
	case domain.FieldStart:
		return fmt.Sprintf("start: %s → %s", old.FormatTime(), new.FormatTime())
	case domain.FieldEnd:
		return fmt.Sprintf("end: %s → %s", old.End.Format("02.01.2006 15:04"), new.End.Format("02.01.2006 15:04"))
	case domain.FieldSummary:
		return fmt.Sprintf("title: %s → %s", html.EscapeString(old.Summary), html.EscapeString(new.Summary))
	case domain.FieldLocation:
		return fmt.Sprintf("location: %s → %s", html.EscapeString(orDash(old.Location)), html.EscapeString(orDash(new.Location)))
	}
	return string(f)
}

func formatOccurrence(occ ical.Occurrence, loc *time.Location) string {
	if occ.Event.AllDay {
		return occ.Start.Format("Mon 02.01") + " (all day)"
	}
	start := occ.Start
	if loc != nil {
		start = start.In(loc)
	}
	return start.Format("Mon 02.01 15:04")
}

func formatRecord(rec *domain.ChangeRecord) string {
	when := rec.RecordedAt.Local().Format("02.01 15:04")
	summary := html.EscapeString(rec.Summary)

	switch rec.Kind {
	case domain.ChangeAdded:
		return fmt.Sprintf("[%s] ➕ %s", when, summary)
	case domain.ChangeRemoved:
		return fmt.Sprintf("[%s] ➖ %s", when, summary)
	case domain.ChangeModified:
		if rec.ChangedFields != "" {
			return fmt.Sprintf("[%s] ✏️ %s (%s)", when, summary, rec.ChangedFields)
		}
		return fmt.Sprintf("[%s] ✏️ %s", when, summary)
	}
	return fmt.Sprintf("[%s] %s", when, summary)
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
