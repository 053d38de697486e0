// Package importer はRSS/Atomフィードの記事を投稿として取り込む。
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/thoughts/internal/api"
	"github.com/hitoshi/thoughts/internal/metrics"
	"github.com/hitoshi/thoughts/internal/model"
	"github.com/hitoshi/thoughts/internal/security"
)

// MaxContentLength はリモートサービスが受け付ける投稿本文の最大文字数。
const MaxContentLength = 1000

// 取り込み前の検証エラー
var (
	ErrFeedTooLarge = errors.New("feed exceeds maximum size")
	ErrNoItems      = errors.New("feed has no items")
	ErrFeedNotFound = errors.New("no feed link found on page")
)

// ThoughtCreator は投稿作成のインターフェース。*api.Clientが実装する。
type ThoughtCreator interface {
	CreateThought(ctx context.Context, content string) (*model.Thought, error)
}

// Options はImporterの上限値を保持する。
type Options struct {
	Timeout     time.Duration
	MaxBodySize int64
	MaxItems    int
}

// Result は1回の取り込み結果を表す。
type Result struct {
	FeedTitle string
	Created   []model.Thought
	Skipped   int
	Failed    int
}

// Importer はフィードを取得・パースし、記事ごとに投稿を作成する。
type Importer struct {
	creator    ThoughtCreator
	validator  security.URLValidator
	httpClient *http.Client
	sanitizer  *security.TextSanitizer
	recorder   metrics.Recorder
	logger     *slog.Logger
	opts       Options
}

// New はImporterを生成する。
// httpClientにはSSRFGuard.NewSafeClientで生成したクライアントを渡す。
func New(
	creator ThoughtCreator,
	validator security.URLValidator,
	httpClient *http.Client,
	recorder metrics.Recorder,
	logger *slog.Logger,
	opts Options,
) *Importer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 5 << 20
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 20
	}
	return &Importer{
		creator:    creator,
		validator:  validator,
		httpClient: httpClient,
		sanitizer:  security.NewTextSanitizer(),
		recorder:   recorder,
		logger:     logger,
		opts:       opts,
	}
}

// Import はfeedURLのフィードを取得し、先頭からlimit件の記事を投稿として作成する。
// limitが0以下または上限を超える場合は上限値を使う。
// 認証エラーを受け取った時点で中断し、それまでの結果とエラーを返す。
// それ以外の記事単位の失敗は数えて次の記事に進む。
func (im *Importer) Import(ctx context.Context, feedURL string, limit int) (*Result, error) {
	start := time.Now()

	if err := im.validator.ValidateURL(feedURL); err != nil {
		im.logger.Warn("フィードURLの検証に失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}

	feed, err := im.fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	if len(feed.Items) == 0 {
		return nil, ErrNoItems
	}

	if limit <= 0 || limit > im.opts.MaxItems {
		limit = im.opts.MaxItems
	}
	items := feed.Items
	if len(items) > limit {
		items = items[:limit]
	}

	result := &Result{FeedTitle: im.sanitizer.PlainText(feed.Title)}
	for _, item := range items {
		content := im.itemContent(item)
		if content == "" {
			result.Skipped++
			continue
		}

		thought, err := im.creator.CreateThought(ctx, content)
		if err != nil {
			if api.IsUnauthorized(err) {
				im.recorder.RecordImportedItems(len(result.Created))
				return result, err
			}
			if ctx.Err() != nil {
				im.recorder.RecordImportedItems(len(result.Created))
				return result, ctx.Err()
			}
			im.logger.Warn("投稿の作成に失敗しました",
				slog.String("feed_url", feedURL),
				slog.String("error", err.Error()),
			)
			result.Failed++
			continue
		}
		result.Created = append(result.Created, *thought)
	}

	im.recorder.RecordImportedItems(len(result.Created))
	im.logger.Info("フィードの取り込みが完了しました",
		slog.String("feed_url", feedURL),
		slog.Int("created", len(result.Created)),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// fetch はフィードを取得してパースする。
// HTMLページが返された場合はheadのフィードリンクを1回だけ辿る。
func (im *Importer) fetch(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, im.opts.Timeout)
	defer cancel()

	body, contentType, err := im.download(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	if isHTML(contentType) {
		link := discoverFeedLink(body, feedURL)
		if link == "" {
			return nil, ErrFeedNotFound
		}
		if err := im.validator.ValidateURL(link); err != nil {
			return nil, fmt.Errorf("invalid feed URL: %w", err)
		}
		im.logger.Debug("ページからフィードを検出しました",
			slog.String("page_url", feedURL),
			slog.String("feed_url", link),
		)
		if body, _, err = im.download(ctx, link); err != nil {
			return nil, err
		}
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return feed, nil
}

// download はURLの本文とContent-Typeを返す。
func (im *Importer) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Thoughts/1.0 Feed Importer")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html;q=0.5, */*;q=0.1")

	resp, err := im.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status code %d from feed", resp.StatusCode)
	}

	// 上限+1バイトまで読み、超過を検出する
	body, err := io.ReadAll(io.LimitReader(resp.Body, im.opts.MaxBodySize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read feed: %w", err)
	}
	if int64(len(body)) > im.opts.MaxBodySize {
		return nil, "", ErrFeedTooLarge
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// itemContent は記事のタイトル、なければ概要をプレーンテキストにした本文を返す。
func (im *Importer) itemContent(item *gofeed.Item) string {
	if item == nil {
		return ""
	}
	text := im.sanitizer.PlainText(item.Title)
	if text == "" {
		text = im.sanitizer.PlainText(item.Description)
	}
	return security.Truncate(text, MaxContentLength)
}
