// Package security は外部から取り込むデータに対する防御機能を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はHTML断片から全てのタグを除去し、表示用のプレーンテキストに変換する。
// bluemondayのポリシーはスレッドセーフなため、1つのインスタンスを共有してよい。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
// ブロック要素の境界で単語が連結しないよう、要素を空白に置き換えるポリシーを使用する。
func NewTextSanitizer() *TextSanitizer {
	p := bluemonday.StrictPolicy()
	p.AddSpaceWhenStrippingTag(true)
	return &TextSanitizer{policy: p}
}

// PlainText はタグを除去し、文字参照を展開し、連続する空白を1つにまとめた文字列を返す。
// script・styleの中身は出力に含めない。
func (s *TextSanitizer) PlainText(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	return strings.Join(strings.Fields(html.UnescapeString(stripped)), " ")
}

// Truncate はsをmaxRunes文字以内に切り詰める。切り詰めた場合は末尾に "…" を付ける。
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	if maxRunes == 1 {
		return "…"
	}
	return strings.TrimSpace(string(r[:maxRunes-1])) + "…"
}
