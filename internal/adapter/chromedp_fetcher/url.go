package chromedp_fetcher

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/weibo-harvester/internal/entity"
)

const defaultBaseURL = "https://s.weibo.com/weibo"

// SearchURL builds the search page address for keyword, restricted to r
// and shown at page. Bounds are rendered in loc, the site's wall clock.
func SearchURL(base, keyword string, r entity.TimeRange, page int, loc *time.Location) string {
	if base == "" {
		base = defaultBaseURL
	}
	q := url.Values{}
	q.Set("q", keyword)
	q.Set("typeall", "1")
	q.Set("suball", "1")
	q.Set("timescope", Timescope(r, loc))
	q.Set("Refer", "g")
	q.Set("page", strconv.Itoa(page))
	return base + "?" + q.Encode()
}

// Timescope renders r as the custom range filter, e.g.
// "custom:2026-03-01-10:2026-03-01-13".
func Timescope(r entity.TimeRange, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("custom:")
	b.WriteString(formatHour(r.Start, loc))
	b.WriteString(":")
	b.WriteString(formatHour(r.End, loc))
	return b.String()
}

// The site renders the hour without zero padding.
func formatHour(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	return t.Format("2006-01-02") + "-" + strconv.Itoa(t.Hour())
}

// isChallengeURL reports whether the browser was redirected to a login or
// verification page.
func isChallengeURL(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Host)
	switch {
	case strings.HasPrefix(host, "passport."), strings.HasPrefix(host, "login."):
		return true
	case strings.Contains(u.Path, "/visitor/"), strings.Contains(u.Path, "/signin"):
		return true
	}
	return false
}
