package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClassifierPriority(t *testing.T) {
	c, err := NewClassifier(ClassifierOptions{
		ReservedPrefixes: []string{"/Users/", "/System/"},
		StaticPrefix:     "/_next/",
		APIPatterns:      []string{`tmdb\.org`, `news\.api`},
	})
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	stored := map[string]bool{"/Users/Guest/a.png": true}
	hasFile := func(p string) bool { return stored[p] }

	cases := []struct {
		name   string
		url    string
		accept string
		want   Strategy
	}{
		{"stored user file", "http://macos.local/Users/Guest/a.png", "", StrategyFile},
		{"reserved miss falls through", "http://macos.local/Users/Guest/b.png", "", StrategyImage},
		{"font beats static prefix", "http://macos.local/_next/static/media/inter.woff2", "", StrategyFont},
		{"font case insensitive", "http://macos.local/fonts/SF.TTF", "", StrategyFont},
		{"image beats api", "https://image.tmdb.org/t/p/w500/poster.jpg", "", StrategyImage},
		{"api pattern", "https://api.TMDB.org/3/movie/popular", "", StrategyAPI},
		{"api beats static suffix", "https://news.api.example.com/feed.js", "", StrategyAPI},
		{"static prefix", "http://macos.local/_next/data/build/page.json", "", StrategyStatic},
		{"static suffix", "http://macos.local/assets/app.css", "", StrategyStatic},
		{"static suffix is case sensitive", "http://macos.local/assets/APP.JS", "", StrategyPassthrough},
		{"html navigation", "http://macos.local/settings", "text/html,application/xhtml+xml", StrategyHTML},
		{"everything else", "http://macos.local/data.bin", "*/*", StrategyPassthrough},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.accept != "" {
				req.Header.Set("Accept", tc.accept)
			}
			if got := c.Classify(req, hasFile); got != tc.want {
				t.Fatalf("want %s, got %s", tc.want, got)
			}
		})
	}
}

func TestClassifierRejectsInvalidPattern(t *testing.T) {
	if _, err := NewClassifier(ClassifierOptions{APIPatterns: []string{"("}}); err == nil {
		t.Fatalf("expected invalid pattern error")
	}
}

func TestInterceptedScope(t *testing.T) {
	get := httptest.NewRequest(http.MethodGet, "http://macos.local/", nil)
	if !Intercepted(get) {
		t.Fatalf("http GET is intercepted")
	}
	post := httptest.NewRequest(http.MethodPost, "http://macos.local/", nil)
	if Intercepted(post) {
		t.Fatalf("POST is never intercepted")
	}
	other := httptest.NewRequest(http.MethodGet, "http://macos.local/", nil)
	other.URL.Scheme = "chrome-extension"
	if Intercepted(other) {
		t.Fatalf("non-http schemes are never intercepted")
	}
}
