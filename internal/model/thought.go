package model

import "time"

// Thought はユーザーが投稿した短いテキストを表す。
// 一覧は新しい順に並んだローカルな射影としてのみ保持する。
type Thought struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	UserID    int64     `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PrependThought は作成が確定したThoughtを一覧の先頭に追加した新しいスライスを返す。
func PrependThought(list []Thought, t Thought) []Thought {
	out := make([]Thought, 0, len(list)+1)
	out = append(out, t)
	return append(out, list...)
}

// RemoveThought は指定IDのThoughtを除いた新しいスライスを返す。
func RemoveThought(list []Thought, id int64) []Thought {
	out := make([]Thought, 0, len(list))
	for _, t := range list {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}
