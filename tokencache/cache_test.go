package tokencache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type countingSource struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingSource) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &oauth2.Token{AccessToken: "at"}, nil
}

func TestTokenSourceCachesPerCode(t *testing.T) {
	cache := New(time.Minute)
	src := &countingSource{}

	for range 3 {
		tok, err := TokenSource(cache, "code-1", src).Token()
		if err != nil {
			t.Fatal(err)
		}
		if tok.AccessToken != "at" {
			t.Fatalf("want at, got %s", tok.AccessToken)
		}
	}
	if src.calls != 1 {
		t.Errorf("want 1 upstream call, got %d", src.calls)
	}

	if _, err := TokenSource(cache, "code-2", src).Token(); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("a different code should be exchanged, got %d calls", src.calls)
	}
}

func TestTokenSourceDoesNotCacheFailures(t *testing.T) {
	cache := New(time.Minute)
	src := &countingSource{err: errors.New("upstream failed")}

	if _, err := TokenSource(cache, "code", src).Token(); err == nil {
		t.Fatal("want error")
	}
	src.err = nil
	if _, err := TokenSource(cache, "code", src).Token(); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("want 2 upstream calls, got %d", src.calls)
	}
}

func TestTokenSourceConcurrent(t *testing.T) {
	cache := New(time.Minute)
	src := &countingSource{}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := TokenSource(cache, "code", src).Token(); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if src.calls != 1 {
		t.Errorf("want 1 upstream call, got %d", src.calls)
	}
}

func TestCacheExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := New(time.Minute)
	cache.now = func() time.Time { return now }

	cache.Set("old", &oauth2.Token{AccessToken: "old"})
	if _, ok := cache.Get("old"); !ok {
		t.Fatal("want cached token")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get("old"); ok {
		t.Fatal("expired token should not be returned")
	}

	cache.Set("new", &oauth2.Token{AccessToken: "new"})
	if cache.Len() != 1 {
		t.Errorf("expired entries should be purged on set, have %d", cache.Len())
	}
}
