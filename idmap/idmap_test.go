package idmap

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sharedcode/duet"
	"github.com/sharedcode/duet/cache"
)

var ctx = context.Background()

func TestBindAndLookupBothDirections(t *testing.T) {
	s := NewService(cache.NewInMemoryCache())

	if err := s.Bind(ctx, "g1", "r1"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	found, rid, err := s.GetRelational(ctx, "g1")
	if err != nil || !found || rid != "r1" {
		t.Errorf("GetRelational(g1) = %v, %s, %v, want true, r1, nil", found, rid, err)
	}
	found, gid, err := s.GetGraph(ctx, "r1")
	if err != nil || !found || gid != "g1" {
		t.Errorf("GetGraph(r1) = %v, %s, %v, want true, g1, nil", found, gid, err)
	}
}

func TestBindRejectsEmptyIDs(t *testing.T) {
	s := NewService(cache.NewInMemoryCache())

	for _, pair := range [][2]string{{"", "r1"}, {"g1", ""}, {"", ""}} {
		err := s.Bind(ctx, pair[0], pair[1])
		var de duet.Error
		if !errors.As(err, &de) || de.Code != duet.Validation {
			t.Errorf("Bind(%q, %q) = %v, want Validation error", pair[0], pair[1], err)
		}
	}
}

func TestBindRejectsLinkedGraphID(t *testing.T) {
	s := NewService(cache.NewInMemoryCache())
	if err := s.Bind(ctx, "g1", "r1"); err != nil {
		t.Fatal(err)
	}

	err := s.Bind(ctx, "g1", "r2")
	var de duet.Error
	if !errors.As(err, &de) || de.Code != duet.Validation {
		t.Fatalf("rebinding a linked graph id = %v, want Validation error", err)
	}
	m, ok := de.UserData.(Mapping)
	if !ok || m.RelationalID != "r1" {
		t.Errorf("UserData = %+v, want existing mapping to r1", de.UserData)
	}

	// The failed bind must not have touched the original link.
	if _, rid, _ := s.GetRelational(ctx, "g1"); rid != "r1" {
		t.Errorf("link after failed rebind = %s, want r1", rid)
	}
	if found, _, _ := s.GetGraph(ctx, "r2"); found {
		t.Error("r2 got linked by a failed bind")
	}
}

func TestBindRejectsLinkedRelationalID(t *testing.T) {
	s := NewService(cache.NewInMemoryCache())
	if err := s.Bind(ctx, "g1", "r1"); err != nil {
		t.Fatal(err)
	}

	err := s.Bind(ctx, "g2", "r1")
	var de duet.Error
	if !errors.As(err, &de) || de.Code != duet.Validation {
		t.Fatalf("reusing a linked relational id = %v, want Validation error", err)
	}
	if m, ok := de.UserData.(Mapping); !ok || m.GraphID != "g1" {
		t.Errorf("UserData = %+v, want existing mapping to g1", de.UserData)
	}
}

func TestUnbindRemovesBothDirections(t *testing.T) {
	s := NewService(cache.NewInMemoryCache())
	if err := s.Bind(ctx, "g1", "r1"); err != nil {
		t.Fatal(err)
	}

	if err := s.Unbind(ctx, "g1"); err != nil {
		t.Fatalf("Unbind failed: %v", err)
	}
	if found, _, _ := s.GetRelational(ctx, "g1"); found {
		t.Error("graph direction survived Unbind")
	}
	if found, _, _ := s.GetGraph(ctx, "r1"); found {
		t.Error("relational direction survived Unbind")
	}

	// Unbinding an unknown id is a no-op.
	if err := s.Unbind(ctx, "no-such"); err != nil {
		t.Errorf("Unbind of unknown id = %v, want nil", err)
	}

	// Both ids are free for new links now.
	if err := s.Bind(ctx, "g1", "r1"); err != nil {
		t.Errorf("rebind after Unbind = %v, want nil", err)
	}
}

func TestBindNewReturnsFreshLinkedID(t *testing.T) {
	s := NewService(cache.NewInMemoryCache())

	rid, err := s.BindNew(ctx, "g1")
	if err != nil {
		t.Fatalf("BindNew failed: %v", err)
	}
	if _, parseErr := duet.ParseUUID(rid); parseErr != nil {
		t.Errorf("BindNew returned %q, want a UUID", rid)
	}
	if found, gid, _ := s.GetGraph(ctx, rid); !found || gid != "g1" {
		t.Errorf("GetGraph(%s) = %v, %s, want true, g1", rid, found, gid)
	}
}

func TestBindNewDoesNotRegenerateForLinkedGraphID(t *testing.T) {
	s := NewService(cache.NewInMemoryCache())
	if err := s.Bind(ctx, "g1", "r1"); err != nil {
		t.Fatal(err)
	}

	_, err := s.BindNew(ctx, "g1")
	var de duet.Error
	if !errors.As(err, &de) || de.Code != duet.Validation {
		t.Fatalf("BindNew on linked graph id = %v, want Validation error", err)
	}
	if _, rid, _ := s.GetRelational(ctx, "g1"); rid != "r1" {
		t.Errorf("existing link changed to %s", rid)
	}
}

// collideOnce reports the first generated relational id as taken, forcing
// BindNew through its regenerate path.
type collideOnce struct {
	duet.Cache
	collided bool
}

func (c *collideOnce) Get(ctx context.Context, key string) (bool, string, error) {
	if !c.collided && strings.HasPrefix(key, relationalKeyPrefix) {
		c.collided = true
		return true, "someone-else", nil
	}
	return c.Cache.Get(ctx, key)
}

func TestBindNewRegeneratesOnCollision(t *testing.T) {
	c := &collideOnce{Cache: cache.NewInMemoryCache()}
	s := NewService(c)

	rid, err := s.BindNew(ctx, "g1")
	if err != nil {
		t.Fatalf("BindNew with one collision failed: %v", err)
	}
	if !c.collided {
		t.Fatal("collision was never triggered")
	}
	if found, gid, _ := s.GetGraph(ctx, rid); !found || gid != "g1" {
		t.Errorf("GetGraph(%s) = %v, %s, want true, g1", rid, found, gid)
	}
}
