package activitypub

import (
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

func TestActorCacheExpires(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c := NewActorCache(time.Minute, func() time.Time { return now })
	c.Put(&domain.RemoteAccount{ActorURI: bobURI, Username: "bob"})

	got, ok := c.Get(bobURI)
	if !ok || got.Username != "bob" {
		t.Fatalf("Expected cached bob, got %+v", got)
	}
	got.Username = "mallory"
	if again, _ := c.Get(bobURI); again.Username != "bob" {
		t.Error("Expected Get to return a copy")
	}

	now = now.Add(time.Minute)
	if _, ok := c.Get(bobURI); ok {
		t.Error("Expected entry to expire")
	}
	if c.Len() != 0 {
		t.Errorf("Expected expired entry to be evicted, got %d", c.Len())
	}
}

func TestActorCacheInvalidate(t *testing.T) {
	c := NewActorCache(time.Hour, nil)
	c.Put(&domain.RemoteAccount{ActorURI: bobURI})
	c.Invalidate(bobURI)
	if _, ok := c.Get(bobURI); ok {
		t.Error("Expected invalidated entry to be gone")
	}
}

func TestActorCacheDisabled(t *testing.T) {
	c := NewActorCache(0, nil)
	c.Put(&domain.RemoteAccount{ActorURI: bobURI})
	if c.Len() != 0 {
		t.Error("Expected a zero TTL to disable caching")
	}
}
