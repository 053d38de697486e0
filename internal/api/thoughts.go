package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/hitoshi/thoughts/internal/model"
)

// GetThoughts は投稿一覧を取得する。
// ペイロードが配列でない場合は空のスライスを返す。
func (c *Client) GetThoughts(ctx context.Context) ([]model.Thought, error) {
	v, err := c.shared(ctx, "thoughts:list", func(ctx context.Context) (any, error) {
		raw, err := c.Send(ctx, http.MethodGet, "/thoughts", nil)
		if err != nil {
			return nil, err
		}
		if !isArray(raw) {
			return []model.Thought{}, nil
		}
		var thoughts []model.Thought
		if err := json.Unmarshal(raw, &thoughts); err != nil {
			return nil, &Error{Kind: KindDecode, Message: invalidResponseMessage, Err: err}
		}
		return thoughts, nil
	})
	if err != nil {
		return nil, err
	}
	// 共有された結果を呼び出し元ごとに複製する
	return slices.Clone(v.([]model.Thought)), nil
}

// CreateThought は投稿を作成する。
// サービスが本文や作成日時を返さない場合は、送信した本文と現在時刻で補完する。
func (c *Client) CreateThought(ctx context.Context, content string) (*model.Thought, error) {
	v, err := c.shared(ctx, "thoughts:create:"+content, func(ctx context.Context) (any, error) {
		raw, err := c.Send(ctx, http.MethodPost, "/thoughts", map[string]string{"content": content})
		if err != nil {
			return nil, err
		}

		var created model.Thought
		if len(raw) > 0 && raw[0] == '{' {
			if err := json.Unmarshal(raw, &created); err != nil {
				return nil, &Error{Kind: KindDecode, Message: invalidResponseMessage, Err: err}
			}
		}
		if created.Content == "" {
			created.Content = content
		}
		if created.CreatedAt.IsZero() {
			created.CreatedAt = time.Now()
		}
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	created := v.(model.Thought)
	return &created, nil
}

// DeleteThought は投稿を削除し、削除したIDを返す。
func (c *Client) DeleteThought(ctx context.Context, id int64) (int64, error) {
	idStr := strconv.FormatInt(id, 10)
	_, err := c.shared(ctx, "thoughts:delete:"+idStr, func(ctx context.Context) (any, error) {
		return c.Send(ctx, http.MethodDelete, "/thoughts/"+idStr, nil)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func isArray(raw json.RawMessage) bool {
	return len(raw) > 0 && raw[0] == '['
}
