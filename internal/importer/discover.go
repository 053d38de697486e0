package importer

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// feedLink はHTMLのheadで宣言されたフィードへのリンク。
type feedLink struct {
	url  string
	atom bool
}

// isHTML はContent-TypeがHTMLを示すかを判定する。
func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	mediaType = strings.ToLower(mediaType)
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// discoverFeedLink はHTMLのheadからrel="alternate"のフィードリンクを探し、
// 最も優先度の高いものを絶対URLで返す。見つからない場合は空文字列。
// 優先順位: 同一ホスト > Atom > 出現順
func discoverFeedLink(body []byte, pageURL string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}

	links := parseFeedLinks(body, base)
	best, bestScore := "", -1
	for _, l := range links {
		score := 0
		u, err := url.Parse(l.url)
		if err == nil && strings.EqualFold(u.Hostname(), base.Hostname()) {
			score += 100
		}
		if l.atom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = l.url, score
		}
	}
	return best
}

func parseFeedLinks(body []byte, base *url.URL) []feedLink {
	var links []feedLink
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	inHead := false

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			switch string(tn) {
			case "head":
				inHead = true
				continue
			case "body":
				return links
			case "link":
			default:
				continue
			}
			if !inHead || !hasAttr {
				continue
			}

			var rel, linkType, href string
			for more := true; more; {
				var key, val []byte
				key, val, more = tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					linkType = strings.ToLower(string(val))
				case "href":
					href = strings.TrimSpace(string(val))
				}
			}
			if !hasToken(rel, "alternate") || href == "" {
				continue
			}
			if linkType != "application/rss+xml" && linkType != "application/atom+xml" {
				continue
			}

			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			links = append(links, feedLink{
				url:  base.ResolveReference(ref).String(),
				atom: linkType == "application/atom+xml",
			})

		case html.EndTagToken:
			if tn, _ := tokenizer.TagName(); string(tn) == "head" {
				return links
			}
		}
	}
}

// hasToken は空白区切りの属性値にtokenが含まれるかを判定する。
func hasToken(attr, token string) bool {
	for _, f := range strings.Fields(attr) {
		if f == token {
			return true
		}
	}
	return false
}
