package providers

import (
	"context"
	"testing"
)

func TestCheckBlockedHost(t *testing.T) {
	cases := []struct {
		host    string
		blocked bool
	}{
		{"127.0.0.1", true},
		{"169.254.169.254", true},
		{"metadata.google.internal", true},
		{"8.8.8.8", false},
	}
	for _, tc := range cases {
		err := checkBlockedHost(tc.host)
		if tc.blocked && err == nil {
			t.Errorf("expected %s to be blocked", tc.host)
		}
		if !tc.blocked && err != nil {
			t.Errorf("expected %s to be allowed, got %v", tc.host, err)
		}
	}
}

func TestCompositeFetcher_UnknownScheme(t *testing.T) {
	c := NewCompositeFetcher(map[string]Fetcher{})
	if _, err := c.Fetch(context.Background(), "s3://bucket/key"); err == nil {
		t.Fatal("expected error for unregistered scheme")
	}
}

func TestCompositeFetcher_DispatchesByScheme(t *testing.T) {
	c := NewCompositeFetcher(map[string]Fetcher{
		"file": FileFetcher{},
	})
	if _, err := c.Fetch(context.Background(), "file:///nonexistent/path"); err == nil {
		t.Fatal("expected read error for nonexistent file")
	}
}
