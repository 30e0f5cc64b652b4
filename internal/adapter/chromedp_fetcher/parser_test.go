package chromedp_fetcher

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
)

var cst = time.FixedZone("CST", 8*3600)

// 2026-03-10 20:30 in Beijing.
var parseNow = time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)

func TestParseSearchPage(t *testing.T) {
	html, err := os.ReadFile("testdata/search_page.html")
	require.NoError(t, err)

	page, err := ParseSearchPage(string(html), parseNow, cst)
	require.NoError(t, err)
	assert.False(t, page.Challenge)
	assert.True(t, page.HasMore)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Items, 2, "cards without mid are skipped")

	first := page.Items[0]
	assert.Equal(t, "5012345678901234", first.ID)
	assert.Equal(t, "1234567890", first.AuthorUID)
	assert.Equal(t, "gopher", first.AuthorScreenName)
	assert.Equal(t, "Go 1.26 发布了， 泛型方法终于来了", first.Text, "full text wins and fold links are dropped")
	assert.Equal(t, parseNow.Add(-5*time.Minute), first.CreatedAt)
	assert.Equal(t, int64(12), first.RepostsCount)
	assert.Equal(t, int64(12000), first.CommentsCount)
	assert.Zero(t, first.AttitudesCount)

	second := page.Items[1]
	assert.Equal(t, "7654321", second.AuthorUID)
	assert.Equal(t, "写了一个 golang 爬虫", second.Text)
	assert.Equal(t, time.Date(2026, 3, 1, 1, 15, 0, 0, time.UTC), second.CreatedAt)
	assert.Zero(t, second.RepostsCount)
	assert.Equal(t, int64(3), second.CommentsCount)
	assert.Equal(t, int64(45), second.AttitudesCount)
}

func TestParseSearchPage_NoResults(t *testing.T) {
	html := `<html><head><title>golang - 微博搜索</title></head><body>
		<div class="card card-no-result s-pt20b40"><p>抱歉，未找到相关结果。</p></div></body></html>`

	page, err := ParseSearchPage(html, parseNow, cst)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasMore)
	assert.Zero(t, page.Pages)
}

func TestParseSearchPage_Challenge(t *testing.T) {
	pages := map[string]string{
		"visitor system": `<html><head><title>Sina Visitor System</title></head><body></body></html>`,
		"login form":     `<html><head><title>微博</title></head><body><div id="pl_login_form"></div></body></html>`,
		"captcha":        `<html><head><title>微博</title></head><body><div class="geetest_panel"></div></body></html>`,
	}
	for name, html := range pages {
		t.Run(name, func(t *testing.T) {
			page, err := ParseSearchPage(html, parseNow, cst)
			require.NoError(t, err)
			assert.True(t, page.Challenge)
		})
	}
}

func TestParseSearchPage_Unparseable(t *testing.T) {
	_, err := ParseSearchPage(`<html><body><h1>502 Bad Gateway</h1></body></html>`, parseNow, cst)
	assert.ErrorIs(t, err, repository.ErrUnparseablePage)
}

func TestParsePostTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"刚刚", parseNow},
		{"30秒前", parseNow.Add(-30 * time.Second)},
		{"5分钟前", parseNow.Add(-5 * time.Minute)},
		{"2小时前", parseNow.Add(-2 * time.Hour)},
		{"今天 08:05", time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC)},
		{"今天08:05", time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC)},
		{"昨天 10:00", time.Date(2026, 3, 9, 2, 0, 0, 0, time.UTC)},
		{"03月01日 09:15", time.Date(2026, 3, 1, 1, 15, 0, 0, time.UTC)},
		{"2025年12月31日 23:59", time.Date(2025, 12, 31, 15, 59, 0, 0, time.UTC)},
		{"2025-12-31 23:59", time.Date(2025, 12, 31, 15, 59, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePostTime(tt.in, parseNow, cst)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}

	_, err := ParsePostTime("昨天", parseNow, cst)
	assert.ErrorIs(t, err, repository.ErrUnparseablePage)
}

func TestParsePostTime_MonthDayAcrossNewYear(t *testing.T) {
	// 2026-01-01 00:30 in Beijing.
	newYear := time.Date(2025, 12, 31, 16, 30, 0, 0, time.UTC)

	got, err := ParsePostTime("12月31日 23:50", newYear, cst)
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 12, 31, 15, 50, 0, 0, time.UTC).Equal(got), "got %s", got)

	got, err = ParsePostTime("01月01日 00:10", newYear, cst)
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 12, 31, 16, 10, 0, 0, time.UTC).Equal(got), "got %s", got)
}

// resultPage renders n cards whose timestamps come from stamp, with a pager
// that links to a next page.
func resultPage(n int, stamp func(i int) string) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>golang - 微博搜索</title></head><body><div id="pl_feedlist_index">`)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<div class="card-wrap" mid="50000000000000%02d"><div class="card"><div class="content">
			<a class="name" href="//weibo.com/u/100%d">user%d</a>
			<p class="txt" node-type="feed_list_content">post %d</p>
			<div class="from"><a href="//weibo.com/100%d/x">%s</a></div></div></div></div>`, i, i, i, i, i, stamp(i))
	}
	b.WriteString(`</div><div class="m-page"><ul class="s-scroll"><li>1</li><li>2</li></ul><a class="next" href="?page=2">下一页</a></div></body></html>`)
	return b.String()
}

func TestParseSearchPage_FullPageWithYesterdayStamp(t *testing.T) {
	html := resultPage(20, func(i int) string {
		if i == 7 {
			return "昨天 10:00"
		}
		return fmt.Sprintf("%d分钟前", i+1)
	})

	page, err := ParseSearchPage(html, parseNow, cst)
	require.NoError(t, err)
	require.Len(t, page.Items, 20)
	assert.True(t, page.HasMore)
	assert.Equal(t, time.Date(2026, 3, 9, 2, 0, 0, 0, time.UTC), page.Items[7].CreatedAt)
}

func TestParseSearchPage_BadCardFailsPage(t *testing.T) {
	html := resultPage(20, func(i int) string {
		if i == 3 {
			return "上周三"
		}
		return "5分钟前"
	})

	page, err := ParseSearchPage(html, parseNow, cst)
	assert.Nil(t, page)
	assert.ErrorIs(t, err, repository.ErrUnparseablePage)
	assert.ErrorContains(t, err, "5000000000000003")
}

func TestParseCount(t *testing.T) {
	tests := map[string]int64{
		" 转发 12":  12,
		"评论":      0,
		"1.2万":    12000,
		"赞 3.5亿":  350000000,
		"100万+":   1000000,
		"":         0,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseCount(in), in)
	}
}

func TestSearchURL(t *testing.T) {
	r := entity.TimeRange{
		Start: time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, "custom:2026-03-01-10:2026-03-01-13", Timescope(r, cst))

	got := SearchURL("", "golang 爬虫", r, 3, cst)
	assert.Contains(t, got, "https://s.weibo.com/weibo?")
	assert.Contains(t, got, "q=golang+%E7%88%AC%E8%99%AB")
	assert.Contains(t, got, "timescope=custom%3A2026-03-01-10%3A2026-03-01-13")
	assert.Contains(t, got, "page=3")
}

func TestIsChallengeURL(t *testing.T) {
	assert.True(t, isChallengeURL("https://passport.weibo.com/visitor/visitor?entry=miniblog"))
	assert.True(t, isChallengeURL("https://login.sina.com.cn/signup/signin.php"))
	assert.False(t, isChallengeURL("https://s.weibo.com/weibo?q=golang&page=2"))
}

func TestRotator(t *testing.T) {
	r := NewRotator([]string{"http://p1:8080", "http://p2:8080"})
	assert.Equal(t, "http://p1:8080", r.Proxy())
	assert.Equal(t, "http://p2:8080", r.Proxy())
	assert.Equal(t, "http://p1:8080", r.Proxy())
	assert.Contains(t, defaultUserAgents, r.UserAgent())

	assert.Empty(t, NewRotator(nil).Proxy())
}

func TestTotalHint(t *testing.T) {
	f := NewChromedpFetcher(Options{PageSize: 20, MaxPages: 50}, nil)
	items := make([]entity.WeiboPost, 7)
	assert.Equal(t, 7, f.totalHint(&SearchPage{Items: items, Pages: 1}))
	assert.Equal(t, 60, f.totalHint(&SearchPage{Items: items, Pages: 3}))
	assert.Equal(t, 1001, f.totalHint(&SearchPage{Items: items, Pages: 50}), "a full pager signals truncation")
}
