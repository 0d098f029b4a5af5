package profileblock

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Tab is an open page context that can receive pushed notifications.
type Tab interface {
	ID() string
	URL() string
	Push(ctx context.Context, n Notification) error
}

type TabRegistry struct {
	host string

	mu   sync.RWMutex
	tabs map[string]Tab
}

func NewTabRegistry(host string) *TabRegistry {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		host = DefaultSiteHost
	}
	return &TabRegistry{host: host, tabs: map[string]Tab{}}
}

func (r *TabRegistry) Add(tab Tab) {
	if tab == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tabs[tab.ID()] = tab
}

func (r *TabRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tabs, id)
}

func (r *TabRegistry) Get(id string) (Tab, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[id]
	return tab, ok
}

// All returns every registered tab ordered by ID.
func (r *TabRegistry) All() []Tab {
	r.mu.RLock()
	out := make([]Tab, 0, len(r.tabs))
	for _, tab := range r.tabs {
		out = append(out, tab)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Matching returns the tabs currently showing the site or one of its
// subdomains.
func (r *TabRegistry) Matching() []Tab {
	all := r.All()
	out := all[:0]
	for _, tab := range all {
		if r.MatchesSite(tab.URL()) {
			out = append(out, tab)
		}
	}
	return out
}

func (r *TabRegistry) MatchesSite(rawURL string) bool {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == r.host || strings.HasSuffix(host, "."+r.host)
}

type DeliveryError struct {
	TabID string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to tab %s: %v", e.TabID, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDeliveryFailure, e.Err}
}

type BroadcastResult struct {
	Attempted int
	Delivered int
	Failures  []*DeliveryError
}

// Err joins the per-tab failures, or returns nil when every delivery
// succeeded.
func (r BroadcastResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Broadcast pushes n to every matching tab concurrently. A failing tab is
// logged and recorded without affecting delivery to the others.
func Broadcast(ctx context.Context, registry *TabRegistry, n Notification, logger *zap.Logger) BroadcastResult {
	if logger == nil {
		logger = zap.NewNop()
	}
	tabs := registry.Matching()
	result := BroadcastResult{Attempted: len(tabs)}
	if len(tabs) == 0 {
		return result
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, tab := range tabs {
		wg.Add(1)
		go func(tab Tab) {
			defer wg.Done()
			err := pushIsolated(ctx, tab, n)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures = append(result.Failures, &DeliveryError{TabID: tab.ID(), Err: err})
				logger.Warn("notification not delivered",
					zap.String("tab", tab.ID()),
					zap.String("type", string(n.Type)),
					zap.Error(err),
				)
				return
			}
			result.Delivered++
		}(tab)
	}
	wg.Wait()
	sort.Slice(result.Failures, func(i, j int) bool { return result.Failures[i].TabID < result.Failures[j].TabID })
	return result
}

func pushIsolated(ctx context.Context, tab Tab, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push panicked: %v", r)
		}
	}()
	return tab.Push(ctx, n)
}
