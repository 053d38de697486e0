package importer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDiscoverFeedLink(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "relative rss link",
			html: `<html><head><link rel="alternate" type="application/rss+xml" href="/feed.xml"></head><body></body></html>`,
			want: "https://example.com/feed.xml",
		},
		{
			name: "atom preferred over rss",
			html: `<html><head>
<link rel="alternate" type="application/rss+xml" href="/rss">
<link rel="alternate" type="application/atom+xml" href="/atom">
</head></html>`,
			want: "https://example.com/atom",
		},
		{
			name: "same host preferred over atom",
			html: `<html><head>
<link rel="alternate" type="application/atom+xml" href="https://feeds.other.net/atom">
<link rel="alternate" type="application/rss+xml" href="https://example.com/rss">
</head></html>`,
			want: "https://example.com/rss",
		},
		{
			name: "ignores links outside head",
			html: `<html><head><title>x</title></head><body><link rel="alternate" type="application/rss+xml" href="/feed.xml"></body></html>`,
			want: "",
		},
		{
			name: "ignores non-feed alternates",
			html: `<html><head><link rel="alternate" hreflang="ja" href="/ja/"><link rel="stylesheet" href="/a.css"></head></html>`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := discoverFeedLink([]byte(tt.html), "https://example.com/blog/"); got != tt.want {
				t.Errorf("discoverFeedLink = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsHTML(t *testing.T) {
	tests := map[string]bool{
		"text/html; charset=utf-8": true,
		"application/xhtml+xml":    true,
		"application/rss+xml":      false,
		"text/xml":                 false,
		"":                         false,
	}
	for ct, want := range tests {
		if got := isHTML(ct); got != want {
			t.Errorf("isHTML(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestImport_FollowsFeedLinkFromPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, `<html><head><link rel="alternate" type="application/atom+xml" href="/atom.xml"></head><body>blog</body></html>`)
	})
	mux.HandleFunc("/atom.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		io.WriteString(w, testAtom)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	creator := &mockCreator{}
	im := newTestImporter(server, creator, fakeValidator{}, &recordingRecorder{}, Options{})

	result, err := im.Import(context.Background(), server.URL+"/", 0)
	if err != nil {
		t.Fatalf("Import returned error: %v", err)
	}
	if result.FeedTitle != "Atom Feed" || len(result.Created) != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestImport_PageWithoutFeedLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><head><title>no feed</title></head><body></body></html>`)
	}))
	t.Cleanup(server.Close)

	im := newTestImporter(server, &mockCreator{}, fakeValidator{}, &recordingRecorder{}, Options{})

	if _, err := im.Import(context.Background(), server.URL, 0); !errors.Is(err, ErrFeedNotFound) {
		t.Errorf("error = %v, want ErrFeedNotFound", err)
	}
}
