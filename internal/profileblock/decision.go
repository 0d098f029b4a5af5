package profileblock

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type ActionKind int

const (
	NoAction ActionKind = iota
	Redirect
)

func (k ActionKind) String() string {
	switch k {
	case Redirect:
		return "redirect"
	default:
		return "none"
	}
}

// Action is the outcome of evaluating one page. Username is set whenever
// the page resolved to a profile, blocked or not.
type Action struct {
	Kind     ActionKind
	Target   string
	Username string
	Delay    int
}

// Lookup is the read side of the block store used by the orchestrator.
type Lookup interface {
	IsBlocked(ctx context.Context, username string) (bool, error)
	GetSettings(ctx context.Context) (Settings, error)
	EffectiveDelay(ctx context.Context, username string) (int, error)
}

type Orchestrator struct {
	resolver *Resolver
	lookup   Lookup
}

func NewOrchestrator(resolver *Resolver, lookup Lookup) *Orchestrator {
	if resolver == nil {
		resolver = NewResolver(DefaultSiteHost)
	}
	return &Orchestrator{resolver: resolver, lookup: lookup}
}

func (o *Orchestrator) Resolver() *Resolver {
	return o.resolver
}

func (o *Orchestrator) Lookup() Lookup {
	return o.lookup
}

// Evaluate decides what to do with the page at rawURL. It never navigates;
// a Redirect action carries the target for the caller. Lookup failures are
// returned as errors rather than folded into NoAction.
func (o *Orchestrator) Evaluate(ctx context.Context, rawURL string, dom DOM) (Action, error) {
	resolved, ok := o.resolver.ResolveUsername(rawURL, dom)
	if !ok {
		return Action{Kind: NoAction}, nil
	}
	username := CanonicalUsername(resolved)
	blocked, err := o.lookup.IsBlocked(ctx, username)
	if err != nil {
		return Action{}, fmt.Errorf("check %s: %w", username, err)
	}
	if !blocked {
		return Action{Kind: NoAction, Username: username}, nil
	}
	settings, err := o.lookup.GetSettings(ctx)
	if err != nil {
		return Action{}, fmt.Errorf("load settings: %w", err)
	}
	if strings.TrimSpace(settings.BlockerPageURL) == "" {
		return Action{}, fmt.Errorf("%w: blockerPageUrl is empty", ErrInvalidSettings)
	}
	delay, err := o.lookup.EffectiveDelay(ctx, username)
	if err != nil {
		return Action{}, fmt.Errorf("redirect delay for %s: %w", username, err)
	}
	return Action{
		Kind:     Redirect,
		Target:   BuildBlockerURL(settings.BlockerPageURL, username, delay, settings.BlockedMessage),
		Username: username,
		Delay:    delay,
	}, nil
}

// BuildBlockerURL appends username, delay and message, in that order, to
// the blocker page URL.
func BuildBlockerURL(base, username string, delay int, message string) string {
	base = strings.TrimSpace(base)
	fragment := ""
	if i := strings.IndexByte(base, '#'); i >= 0 {
		base, fragment = base[:i], base[i:]
	}
	sep := "?"
	switch {
	case strings.HasSuffix(base, "?") || strings.HasSuffix(base, "&"):
		sep = ""
	case strings.Contains(base, "?"):
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString(sep)
	b.WriteString("username=")
	b.WriteString(url.QueryEscape(username))
	b.WriteString("&delay=")
	b.WriteString(strconv.Itoa(delay))
	b.WriteString("&message=")
	b.WriteString(url.QueryEscape(message))
	b.WriteString(fragment)
	return b.String()
}
