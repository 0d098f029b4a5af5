package profileblock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval = time.Second
	DefaultSettleDelay  = 1500 * time.Millisecond
	DefaultRecheckDelay = time.Second
)

// Location exposes the page's current address and rendered document.
type Location interface {
	CurrentURL() string
	DOM() DOM
}

type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// Affordance is the in-page toggle. Mount reports false when the page has
// nowhere to attach it yet.
type Affordance interface {
	Mount(ctx context.Context, dom DOM, username string, blocked bool) (bool, error)
	SetBlocked(username string, blocked bool)
}

type WatcherOptions struct {
	Orchestrator *Orchestrator
	Location     Location
	Navigator    Navigator
	Affordance   Affordance
	Backend      Backend
	PollInterval time.Duration
	SettleDelay  time.Duration
	RecheckDelay time.Duration
	Logger       *zap.Logger
	// AfterFunc schedules delayed work; it defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

type WatcherStats struct {
	Evaluations int
	Redirects   int
	Mounts      int
}

// Watcher re-runs the decision pipeline once per distinct URL. Polling
// and history-state events feed the same handler, which ignores a URL it
// has already seen.
type Watcher struct {
	orch       *Orchestrator
	location   Location
	navigator  Navigator
	affordance Affordance
	backend    Backend
	poll       time.Duration
	settle     time.Duration
	recheck    time.Duration
	logger     *zap.Logger
	afterFunc  func(time.Duration, func()) func() bool

	// runMu keeps the pipeline single-threaded per page.
	runMu          sync.Mutex
	lastURL        string
	injected       bool
	redirectedURL  string
	username       string
	affordanceUser string
	stopMount      func() bool
	stopRecheck    func() bool
	stats          WatcherStats
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Orchestrator == nil || opts.Location == nil || opts.Navigator == nil {
		return nil, fmt.Errorf("%w: orchestrator, location and navigator are required", ErrInvalidInput)
	}
	w := &Watcher{
		orch:       opts.Orchestrator,
		location:   opts.Location,
		navigator:  opts.Navigator,
		affordance: opts.Affordance,
		backend:    opts.Backend,
		poll:       opts.PollInterval,
		settle:     opts.SettleDelay,
		recheck:    opts.RecheckDelay,
		logger:     opts.Logger,
		afterFunc:  opts.AfterFunc,
	}
	if w.poll <= 0 {
		w.poll = DefaultPollInterval
	}
	if w.settle <= 0 {
		w.settle = DefaultSettleDelay
	}
	if w.recheck <= 0 {
		w.recheck = DefaultRecheckDelay
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	if w.afterFunc == nil {
		w.afterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return w, nil
}

// Run evaluates the current page and then polls for URL changes until ctx
// is done. Pipeline errors are logged and do not stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Poll(ctx); err != nil {
		w.logger.Warn("initial evaluation failed", zap.Error(err))
	}
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.stopPending()
			return ctx.Err()
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				w.logger.Warn("evaluation failed", zap.Error(err))
			}
		}
	}
}

// Poll samples the current URL and handles it if it changed.
func (w *Watcher) Poll(ctx context.Context) error {
	_, err := w.handleURLChange(ctx, w.location.CurrentURL())
	return err
}

// NotifyHistoryStateUpdated is the event-driven signal for a same-document
// navigation to rawURL.
func (w *Watcher) NotifyHistoryStateUpdated(ctx context.Context, rawURL string) error {
	_, err := w.handleURLChange(ctx, rawURL)
	return err
}

func (w *Watcher) HandleNotification(ctx context.Context, n Notification) error {
	switch n.Type {
	case URLChanged:
		target := n.URL
		if target == "" {
			target = w.location.CurrentURL()
		}
		return w.NotifyHistoryStateUpdated(ctx, target)
	case UserBlocked, UserUnblocked:
		w.runMu.Lock()
		defer w.runMu.Unlock()
		if w.affordance != nil && w.injected && CanonicalUsername(n.Username) == w.affordanceUser {
			w.affordance.SetBlocked(w.affordanceUser, n.Type == UserBlocked)
		}
		return w.checkLocked(ctx, w.lastURL)
	default:
		return fmt.Errorf("%w: unknown notification type %q", ErrInvalidInput, n.Type)
	}
}

// Toggle blocks or unblocks the profile the affordance is attached to.
// Failures are returned so the affordance can show them; a successful
// block is followed by a re-check that redirects the page.
func (w *Watcher) Toggle(ctx context.Context) (blocked bool, err error) {
	if w.backend == nil {
		return false, fmt.Errorf("%w: no backend configured", ErrInvalidInput)
	}
	w.runMu.Lock()
	username := w.affordanceUser
	if username == "" {
		username = w.username
	}
	pageURL := w.lastURL
	w.runMu.Unlock()
	if username == "" {
		return false, fmt.Errorf("%w: no profile on this page", ErrInvalidInput)
	}

	current, err := w.orch.Lookup().IsBlocked(ctx, username)
	if err != nil {
		return false, err
	}
	if current {
		err = w.backend.Unblock(ctx, username)
	} else {
		err = w.backend.Block(ctx, username, pageURL)
	}
	if err != nil {
		return current, err
	}

	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.affordance != nil && w.injected {
		w.affordance.SetBlocked(username, !current)
	}
	if !current {
		w.scheduleRecheckLocked(ctx)
	}
	return !current, nil
}

func (w *Watcher) Stats() WatcherStats {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return w.stats
}

func (w *Watcher) CurrentUsername() string {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.affordanceUser != "" {
		return w.affordanceUser
	}
	return w.username
}

func (w *Watcher) handleURLChange(ctx context.Context, rawURL string) (bool, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if rawURL == "" || rawURL == w.lastURL {
		return false, nil
	}
	w.lastURL = rawURL
	w.redirectedURL = ""
	w.injected = false
	w.affordanceUser = ""
	err := w.checkLocked(ctx, rawURL)
	w.scheduleMountLocked(ctx)
	return true, err
}

func (w *Watcher) checkLocked(ctx context.Context, rawURL string) error {
	if rawURL == "" {
		return nil
	}
	w.stats.Evaluations++
	action, err := w.orch.Evaluate(ctx, rawURL, w.location.DOM())
	if err != nil {
		return err
	}
	w.username = action.Username
	if action.Kind != Redirect {
		// Unblocked now; a later block of this page must redirect again.
		if w.redirectedURL == rawURL {
			w.redirectedURL = ""
		}
		return nil
	}
	if w.redirectedURL == rawURL {
		return nil
	}
	w.logger.Info("redirecting blocked profile",
		zap.String("username", action.Username),
		zap.Int("delay", action.Delay),
	)
	if err := w.navigator.Navigate(ctx, action.Target); err != nil {
		return fmt.Errorf("navigate to blocker page: %w", err)
	}
	w.redirectedURL = rawURL
	w.stats.Redirects++
	return nil
}

func (w *Watcher) scheduleMountLocked(ctx context.Context) {
	if w.affordance == nil {
		return
	}
	if w.stopMount != nil {
		w.stopMount()
	}
	w.stopMount = w.afterFunc(w.settle, func() {
		if err := w.mountAffordance(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("affordance not mounted", zap.Error(err))
		}
	})
}

func (w *Watcher) scheduleRecheckLocked(ctx context.Context) {
	if w.stopRecheck != nil {
		w.stopRecheck()
	}
	w.stopRecheck = w.afterFunc(w.recheck, func() {
		w.runMu.Lock()
		defer w.runMu.Unlock()
		if err := w.checkLocked(ctx, w.lastURL); err != nil {
			w.logger.Warn("re-check after block failed", zap.Error(err))
		}
	})
}

func (w *Watcher) mountAffordance(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.injected || w.affordance == nil || ctx.Err() != nil {
		return ctx.Err()
	}
	dom := w.location.DOM()
	resolver := w.orch.Resolver()
	resolved, ok := resolver.ResolveUsername(w.lastURL, dom)
	if !ok && (resolver.IsPostPage(w.lastURL) || resolver.IsReelPage(w.lastURL)) {
		resolved, ok = resolver.ResolvePostAuthor(dom)
	}
	if !ok {
		return nil
	}
	username := CanonicalUsername(resolved)
	blocked, err := w.orch.Lookup().IsBlocked(ctx, username)
	if err != nil {
		return err
	}
	mounted, err := w.affordance.Mount(ctx, dom, username, blocked)
	if err != nil {
		return err
	}
	if mounted {
		w.injected = true
		w.affordanceUser = username
		w.stats.Mounts++
	}
	return nil
}

func (w *Watcher) stopPending() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.stopMount != nil {
		w.stopMount()
	}
	if w.stopRecheck != nil {
		w.stopRecheck()
	}
}
