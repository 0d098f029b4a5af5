package profileblock

import (
	"regexp"
	"strings"
)

const DefaultSiteHost = "instagram.com"

// ReservedSegments are top-level routes of the site that are never
// profile handles.
var ReservedSegments = []string{
	"explore", "direct", "accounts", "stories", "p", "reel",
	"reels", "tv", "about", "developer", "privacy", "terms",
}

var (
	profileHeaderSelectors = []string{
		"header h2",
		"header section h1",
		`header a[href^="/"]`,
		"main header h2",
	}
	postAuthorSelectors = []string{
		`article header a[href^="/"]`,
		`header a[role="link"]`,
		`article a[role="link"]`,
	}
	usernameTextPattern = regexp.MustCompile(`^[a-zA-Z0-9._]+$`)
	authorHrefPattern   = regexp.MustCompile(`^/([a-zA-Z0-9._]+)/?$`)
)

// DOM is a read-only view over the page's rendered document. Both lookups
// consider only the first element matching the selector.
type DOM interface {
	Text(selector string) (string, bool)
	Attr(selector, name string) (string, bool)
}

// StaticDOM is a captured snapshot of the selectors the resolver reads.
type StaticDOM struct {
	Texts map[string]string            `json:"texts,omitempty"`
	Attrs map[string]map[string]string `json:"attrs,omitempty"`
}

func (d StaticDOM) Text(selector string) (string, bool) {
	v, ok := d.Texts[selector]
	return v, ok
}

func (d StaticDOM) Attr(selector, name string) (string, bool) {
	attrs, ok := d.Attrs[selector]
	if !ok {
		return "", false
	}
	v, ok := attrs[name]
	return v, ok
}

// Has reports whether any element matches selector.
func (d StaticDOM) Has(selector string) bool {
	if _, ok := d.Texts[selector]; ok {
		return true
	}
	_, ok := d.Attrs[selector]
	return ok
}

type Resolver struct {
	host      string
	profileRE *regexp.Regexp
	segmentRE *regexp.Regexp
	postRE    *regexp.Regexp
	reelRE    *regexp.Regexp
	reserved  map[string]struct{}
}

func NewResolver(host string) *Resolver {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		host = DefaultSiteHost
	}
	quoted := `(?:^|[/.])(?i:` + regexp.QuoteMeta(host) + `)`
	reserved := make(map[string]struct{}, len(ReservedSegments))
	for _, s := range ReservedSegments {
		reserved[s] = struct{}{}
	}
	return &Resolver{
		host:      host,
		profileRE: regexp.MustCompile(quoted + `/([a-zA-Z0-9._]+)/?(?:[?#]|$)`),
		segmentRE: regexp.MustCompile(quoted + `/([^/?#]+)`),
		postRE:    regexp.MustCompile(quoted + `/p/[a-zA-Z0-9_-]+`),
		reelRE:    regexp.MustCompile(quoted + `/(?:reel|reels)/[a-zA-Z0-9_-]+`),
		reserved:  reserved,
	}
}

func (r *Resolver) Host() string {
	return r.host
}

// ResolveUsername returns the profile handle for the page, preferring the
// URL over the DOM. A URL whose first path segment is a reserved route
// never resolves, whatever the DOM contains.
func (r *Resolver) ResolveUsername(rawURL string, dom DOM) (string, bool) {
	if m := r.segmentRE.FindStringSubmatch(rawURL); m != nil && r.isReserved(m[1]) {
		return "", false
	}
	if m := r.profileRE.FindStringSubmatch(rawURL); m != nil {
		return m[1], true
	}
	if dom == nil {
		return "", false
	}
	for _, selector := range profileHeaderSelectors {
		text, ok := dom.Text(selector)
		if !ok {
			continue
		}
		text = strings.TrimSpace(text)
		if usernameTextPattern.MatchString(text) {
			return text, true
		}
	}
	return "", false
}

// ResolvePostAuthor recovers the author handle on a post or reel page from
// the links in the post header.
func (r *Resolver) ResolvePostAuthor(dom DOM) (string, bool) {
	if dom == nil {
		return "", false
	}
	for _, selector := range postAuthorSelectors {
		href, ok := dom.Attr(selector, "href")
		if !ok {
			continue
		}
		if m := authorHrefPattern.FindStringSubmatch(href); m != nil && !r.isReserved(m[1]) {
			return m[1], true
		}
	}
	return "", false
}

func (r *Resolver) IsPostPage(rawURL string) bool {
	return r.postRE.MatchString(rawURL)
}

func (r *Resolver) IsReelPage(rawURL string) bool {
	return r.reelRE.MatchString(rawURL)
}

func (r *Resolver) isReserved(segment string) bool {
	_, ok := r.reserved[strings.ToLower(segment)]
	return ok
}

// CanonicalUsername normalizes a handle into the store's key form.
func CanonicalUsername(username string) string {
	username = strings.TrimSpace(username)
	username = strings.TrimPrefix(username, "@")
	return strings.ToLower(username)
}

func ValidUsername(username string) bool {
	return usernameTextPattern.MatchString(username)
}
