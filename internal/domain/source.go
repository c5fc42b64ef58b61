package domain

import (
	"net/url"
	"strings"
	"time"
)

// SourceType selects how a source's events are retrieved.
type SourceType string

const (
	SourceICS    SourceType = "ics"
	SourceCalDAV SourceType = "caldav"
)

// Source is one tracked calendar. Sources are built from configuration
// at startup and are immutable for the process lifetime.
type Source struct {
	Name     string
	URL      string
	Type     SourceType
	CronExpr string
	Timezone *time.Location

	// Username and Password are only used for caldav sources.
	Username string
	Password string
}

// ID returns the normalized source identifier used as the snapshot key.
// Scheme and host are lowercased and a trailing slash is dropped so that
// cosmetic URL variations map to the same persisted state.
func (s *Source) ID() string {
	u, err := url.Parse(s.URL)
	if err != nil {
		return strings.TrimSuffix(s.URL, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// DisplayName returns the configured name, falling back to the URL host.
func (s *Source) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if u, err := url.Parse(s.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return s.URL
}
