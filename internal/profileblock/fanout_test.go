package profileblock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panickingTab struct{ fakeTab }

func (t *panickingTab) Push(context.Context, Notification) error {
	panic("listener gone")
}

func TestTabRegistryMatchesSiteAndSubdomains(t *testing.T) {
	reg := NewTabRegistry(DefaultSiteHost)
	assert.True(t, reg.MatchesSite("https://www.instagram.com/alice/"))
	assert.True(t, reg.MatchesSite("http://instagram.com/"))
	assert.False(t, reg.MatchesSite("https://instagram.com.evil.example/"))
	assert.False(t, reg.MatchesSite("https://notinstagram.com/"))
	assert.False(t, reg.MatchesSite("chrome://extensions"))
	assert.False(t, reg.MatchesSite("not a url"))
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	reg := NewTabRegistry(DefaultSiteHost)
	ok1 := &fakeTab{id: "t1", url: "https://www.instagram.com/alice/"}
	broken := &fakeTab{id: "t2", url: "https://www.instagram.com/", err: errors.New("no listener")}
	panics := &panickingTab{fakeTab{id: "t3", url: "https://www.instagram.com/bob/"}}
	ok2 := &fakeTab{id: "t4", url: "https://m.instagram.com/"}
	other := &fakeTab{id: "t5", url: "https://example.com/"}
	for _, tab := range []Tab{ok1, broken, panics, ok2, other} {
		reg.Add(tab)
	}

	n := Notification{Type: UserBlocked, Username: "alice"}
	result := Broadcast(context.Background(), reg, n, nil)

	assert.Equal(t, 4, result.Attempted)
	assert.Equal(t, 2, result.Delivered)
	require.Len(t, result.Failures, 2)
	assert.Equal(t, "t2", result.Failures[0].TabID)
	assert.Equal(t, "t3", result.Failures[1].TabID)
	assert.ErrorIs(t, result.Err(), ErrDeliveryFailure)

	assert.Equal(t, []Notification{n}, ok1.notifications())
	assert.Equal(t, []Notification{n}, ok2.notifications())
	assert.Empty(t, other.notifications())
}

func TestBroadcastWithNoTabs(t *testing.T) {
	result := Broadcast(context.Background(), NewTabRegistry(""), Notification{Type: UserUnblocked}, nil)
	assert.Equal(t, 0, result.Attempted)
	assert.NoError(t, result.Err())
}

func TestTabRegistryRemove(t *testing.T) {
	reg := NewTabRegistry(DefaultSiteHost)
	reg.Add(&fakeTab{id: "a", url: "https://www.instagram.com/"})
	reg.Add(nil)
	_, ok := reg.Get("a")
	assert.True(t, ok)
	reg.Remove("a")
	_, ok = reg.Get("a")
	assert.False(t, ok)
	assert.Empty(t, reg.All())
}
