package profileblock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveUsernameFromURL(t *testing.T) {
	r := NewResolver(DefaultSiteHost)
	cases := map[string]string{
		"https://www.instagram.com/alice":          "alice",
		"https://www.instagram.com/alice/":         "alice",
		"https://instagram.com/Bob.Smith_1/?hl=en": "Bob.Smith_1",
		"https://instagram.com/carol#top":          "carol",
		"instagram.com/dave":                       "dave",
		"https://m.instagram.com/erin/":            "erin",
	}
	for url, want := range cases {
		got, ok := r.ResolveUsername(url, nil)
		if !ok {
			t.Fatalf("expected %q to resolve", url)
		}
		if got != want {
			t.Fatalf("resolve %q: expected %q, got %q", url, want, got)
		}
	}
}

func TestResolveUsernameURLWinsOverDOM(t *testing.T) {
	r := NewResolver(DefaultSiteHost)
	dom := StaticDOM{Texts: map[string]string{"header h2": "someone_else"}}
	got, ok := r.ResolveUsername("https://www.instagram.com/alice/", dom)
	assert.True(t, ok)
	assert.Equal(t, "alice", got)
}

func TestResolveUsernameReservedSegmentsIgnoreDOM(t *testing.T) {
	r := NewResolver(DefaultSiteHost)
	dom := StaticDOM{Texts: map[string]string{
		"header h2":         "alice",
		"header section h1": "alice",
		"main header h2":    "alice",
	}}
	for _, segment := range ReservedSegments {
		for _, url := range []string{
			"https://www.instagram.com/" + segment,
			"https://www.instagram.com/" + segment + "/",
			"https://www.instagram.com/" + segment + "/abc123/",
		} {
			if got, ok := r.ResolveUsername(url, dom); ok {
				t.Fatalf("expected reserved url %q to resolve to none, got %q", url, got)
			}
		}
	}
	_, ok := r.ResolveUsername("https://www.instagram.com/Explore/", dom)
	assert.False(t, ok, "reserved segments are matched case-insensitively")
}

func TestResolveUsernameFallsBackToDOM(t *testing.T) {
	r := NewResolver(DefaultSiteHost)
	url := "https://www.instagram.com/alice/tagged/"

	got, ok := r.ResolveUsername(url, StaticDOM{Texts: map[string]string{"header h2": "  alice  "}})
	assert.True(t, ok)
	assert.Equal(t, "alice", got)

	// Invalid text on an earlier selector is skipped in favour of a later one.
	got, ok = r.ResolveUsername(url, StaticDOM{Texts: map[string]string{
		"header h2":      "Alice Liddell",
		"main header h2": "alice.l",
	}})
	assert.True(t, ok)
	assert.Equal(t, "alice.l", got)

	_, ok = r.ResolveUsername(url, StaticDOM{Texts: map[string]string{"header h2": "not a handle!"}})
	assert.False(t, ok)

	_, ok = r.ResolveUsername(url, nil)
	assert.False(t, ok)
}

func TestResolveUsernameIgnoresOtherHosts(t *testing.T) {
	r := NewResolver(DefaultSiteHost)
	for _, url := range []string{
		"https://example.com/alice",
		"https://notinstagram.com/alice",
		"https://www.instagram.com/",
	} {
		if got, ok := r.ResolveUsername(url, nil); ok {
			t.Fatalf("expected %q not to resolve, got %q", url, got)
		}
	}
}

func TestResolvePostAuthor(t *testing.T) {
	r := NewResolver(DefaultSiteHost)
	dom := StaticDOM{Attrs: map[string]map[string]string{
		`article header a[href^="/"]`: {"href": "/explore/tags/x/"},
		`header a[role="link"]`:       {"href": "/alice/"},
	}}
	got, ok := r.ResolvePostAuthor(dom)
	assert.True(t, ok)
	assert.Equal(t, "alice", got)

	_, ok = r.ResolvePostAuthor(StaticDOM{})
	assert.False(t, ok)
	_, ok = r.ResolvePostAuthor(nil)
	assert.False(t, ok)
}

func TestPostAndReelPages(t *testing.T) {
	r := NewResolver(DefaultSiteHost)
	assert.True(t, r.IsPostPage("https://www.instagram.com/p/CxYz-12_/"))
	assert.False(t, r.IsPostPage("https://www.instagram.com/alice/"))
	assert.True(t, r.IsReelPage("https://www.instagram.com/reel/abc/"))
	assert.True(t, r.IsReelPage("https://www.instagram.com/reels/abc/"))
	assert.False(t, r.IsReelPage("https://www.instagram.com/p/abc/"))
}

func TestCanonicalUsername(t *testing.T) {
	assert.Equal(t, "alice", CanonicalUsername(" @Alice "))
	assert.Equal(t, "bob.smith_1", CanonicalUsername("Bob.Smith_1"))
	assert.True(t, ValidUsername("bob.smith_1"))
	assert.False(t, ValidUsername("bob smith"))
	assert.False(t, ValidUsername(""))
}

func TestResolverCustomHost(t *testing.T) {
	r := NewResolver("Example.org")
	got, ok := r.ResolveUsername("https://example.org/zoe", nil)
	assert.True(t, ok)
	assert.Equal(t, "zoe", got)
	assert.Equal(t, "example.org", r.Host())
}
