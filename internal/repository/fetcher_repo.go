package repository

import (
	"context"
	"errors"

	"github.com/user/weibo-harvester/internal/entity"
)

var (
	// ErrFetchTimeout means the page did not finish loading in time.
	ErrFetchTimeout = errors.New("page fetch timed out")
	// ErrNavigationFailed covers network and browser level failures.
	ErrNavigationFailed = errors.New("navigation to search page failed")
	// ErrUnparseablePage means the page loaded but had no recognisable shape.
	ErrUnparseablePage = errors.New("search page could not be parsed")
	// ErrChallengeDetected means the site served a login wall or captcha.
	// It is never retried.
	ErrChallengeDetected = errors.New("anti-bot challenge detected")
)

// FetchRequest identifies one search result page.
type FetchRequest struct {
	Keyword     string
	Range       entity.TimeRange
	Page        int
	Credentials *entity.Credentials
}

// FetchResult is the closed shape every fetcher must return. Items carry no
// TaskID or CrawledAt; the caller fills those in.
type FetchResult struct {
	Items             []entity.WeiboPost
	HasMore           bool
	ChallengeDetected bool
	// TotalHint is an estimate of how many results the range holds, read
	// from page 1. It is approximate and only used for shard planning.
	TotalHint int
}

// Fetcher defines the contract for the actual search page retrieval.
type Fetcher interface {
	// FetchPage loads one page of search results for keyword within the range.
	FetchPage(ctx context.Context, req FetchRequest) (*FetchResult, error)
}
