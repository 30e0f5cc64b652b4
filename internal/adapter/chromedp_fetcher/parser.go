package chromedp_fetcher

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
)

// SearchPage is what one rendered result page holds.
type SearchPage struct {
	Items     []entity.WeiboPost
	HasMore   bool
	Pages     int
	Challenge bool
}

var (
	uidPattern       = regexp.MustCompile(`weibo\.com/(?:u/)?(\d+)`)
	countPattern     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(万|亿)?`)
	agoPattern       = regexp.MustCompile(`^(\d+)\s*(秒|分钟|小时)前$`)
	todayPattern     = regexp.MustCompile(`^今天\s*(\d{1,2}):(\d{2})$`)
	yesterdayPattern = regexp.MustCompile(`^昨天\s*(\d{1,2}):(\d{2})$`)
	monthDayPattern  = regexp.MustCompile(`^(\d{1,2})月(\d{1,2})日\s*(\d{1,2}):(\d{2})$`)
	fullDatePattern  = regexp.MustCompile(`^(\d{4})年(\d{1,2})月(\d{1,2})日\s*(\d{1,2}):(\d{2})$`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

// challengeMarkers are selectors only present on login walls and captcha
// pages.
var challengeMarkers = []string{
	"#pl_login_form",
	"div.LoginCard",
	"div.geetest_panel",
	"#verifyCode",
}

// ParseSearchPage extracts the result cards, the pager and challenge
// markers from a rendered search page. Relative timestamps are resolved
// against now in loc.
func ParseSearchPage(html string, now time.Time, loc *time.Location) (*SearchPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrUnparseablePage, err)
	}

	if isChallengePage(doc) {
		return &SearchPage{Challenge: true}, nil
	}

	// A card that carries a mid is a real result; failing to read it must not
	// shorten the page, or the caller would take the shard as exhausted.
	page := &SearchPage{}
	var cardErr error
	doc.Find(`div.card-wrap[mid]`).EachWithBreak(func(_ int, card *goquery.Selection) bool {
		post, err := parseCard(card, now, loc)
		if err != nil {
			mid, _ := card.Attr("mid")
			cardErr = fmt.Errorf("%w: card %q: %v", repository.ErrUnparseablePage, mid, err)
			return false
		}
		page.Items = append(page.Items, *post)
		return true
	})
	if cardErr != nil {
		return nil, cardErr
	}

	pager := doc.Find("div.m-page")
	page.Pages = pager.Find("ul.s-scroll li").Length()
	page.HasMore = pager.Find("a.next").Length() > 0
	if page.Pages == 0 && len(page.Items) > 0 {
		page.Pages = 1
	}

	if len(page.Items) == 0 && doc.Find("div.card-no-result").Length() == 0 {
		return nil, fmt.Errorf("%w: no result cards and no empty-result marker", repository.ErrUnparseablePage)
	}
	return page, nil
}

func isChallengePage(doc *goquery.Document) bool {
	title := doc.Find("title").First().Text()
	if strings.Contains(title, "Sina Visitor System") || strings.Contains(title, "新浪通行证") {
		return true
	}
	for _, sel := range challengeMarkers {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

func parseCard(card *goquery.Selection, now time.Time, loc *time.Location) (*entity.WeiboPost, error) {
	mid, _ := card.Attr("mid")
	mid = strings.TrimSpace(mid)
	if mid == "" {
		return nil, errors.New("card without mid")
	}

	post := &entity.WeiboPost{ID: mid}

	name := card.Find("a.name").First()
	post.AuthorScreenName = strings.TrimSpace(name.Text())
	if nick, ok := name.Attr("nick-name"); ok && post.AuthorScreenName == "" {
		post.AuthorScreenName = nick
	}
	if href, ok := name.Attr("href"); ok {
		if m := uidPattern.FindStringSubmatch(href); m != nil {
			post.AuthorUID = m[1]
		}
	}

	// The full text is only present for long posts.
	txt := card.Find(`p.txt[node-type="feed_list_content_full"]`).First()
	if txt.Length() == 0 {
		txt = card.Find(`p.txt[node-type="feed_list_content"]`).First()
	}
	txt.Find(`a[action-type="fl_fold"], a[action-type="fl_unfold"]`).Remove()
	post.Text = cleanText(txt.Text())

	created, err := ParsePostTime(card.Find("div.from a").First().Text(), now, loc)
	if err != nil {
		return nil, err
	}
	post.CreatedAt = created

	acts := card.Find("div.card-act ul li")
	counters := []*int64{&post.RepostsCount, &post.CommentsCount, &post.AttitudesCount}
	for i := 0; i < acts.Length() && i < len(counters); i++ {
		*counters[i] = ParseCount(acts.Eq(i).Text())
	}
	return post, nil
}

func cleanText(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

// ParsePostTime converts the site's display time into an absolute UTC time.
func ParsePostTime(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	local := now.In(loc)

	if s == "刚刚" {
		return now.UTC(), nil
	}
	if m := agoPattern.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := map[string]time.Duration{"秒": time.Second, "分钟": time.Minute, "小时": time.Hour}[m[2]]
		return now.Add(-time.Duration(n) * unit).UTC(), nil
	}
	if m := todayPattern.FindStringSubmatch(s); m != nil {
		return clock(local.Year(), int(local.Month()), local.Day(), m[1], m[2], loc), nil
	}
	if m := yesterdayPattern.FindStringSubmatch(s); m != nil {
		y := local.AddDate(0, 0, -1)
		return clock(y.Year(), int(y.Month()), y.Day(), m[1], m[2], loc), nil
	}
	if m := monthDayPattern.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		// The year is implied; a date past now belongs to last year.
		t := clock(local.Year(), month, day, m[3], m[4], loc)
		if t.After(now) {
			t = clock(local.Year()-1, month, day, m[3], m[4], loc)
		}
		return t, nil
	}
	if m := fullDatePattern.FindStringSubmatch(s); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		return clock(year, month, day, m[4], m[5], loc), nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, loc); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown post time %q", repository.ErrUnparseablePage, s)
}

func clock(year, month, day int, hh, mm string, loc *time.Location) time.Time {
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	return time.Date(year, time.Month(month), day, h, m, 0, 0, loc).UTC()
}

// ParseCount reads an engagement counter such as "转发 12", "1.2万" or a
// bare label meaning zero.
func ParseCount(s string) int64 {
	m := countPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch m[2] {
	case "万":
		v *= 1e4
	case "亿":
		v *= 1e8
	}
	return int64(v + 0.5)
}
