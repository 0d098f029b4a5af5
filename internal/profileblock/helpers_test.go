package profileblock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var errBackendDown = errors.New("backend down")

// failingKV wraps a MemoryKV and fails Get and/or Set on demand.
type failingKV struct {
	*MemoryKV
	mu      sync.Mutex
	failGet bool
	failSet bool
	sets    int
}

func newFailingKV() *failingKV {
	return &failingKV{MemoryKV: NewMemoryKV()}
}

func (f *failingKV) setFailures(get, set bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGet = get
	f.failSet = set
}

func (f *failingKV) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	fail := f.failGet
	f.mu.Unlock()
	if fail {
		return nil, errBackendDown
	}
	return f.MemoryKV.Get(ctx, keys...)
}

func (f *failingKV) Set(ctx context.Context, items map[string]json.RawMessage) error {
	f.mu.Lock()
	fail := f.failSet
	f.sets++
	f.mu.Unlock()
	if fail {
		return errBackendDown
	}
	return f.MemoryKV.Set(ctx, items)
}

func (f *failingKV) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(ms int64) *fixedClock {
	return &fixedClock{now: time.UnixMilli(ms)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLocation struct {
	mu  sync.Mutex
	url string
	dom StaticDOM
}

func (l *fakeLocation) CurrentURL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url
}

func (l *fakeLocation) DOM() DOM {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dom
}

func (l *fakeLocation) set(url string, dom StaticDOM) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.url = url
	l.dom = dom
}

type recordingNavigator struct {
	mu      sync.Mutex
	targets []string
	err     error
}

func (n *recordingNavigator) Navigate(_ context.Context, target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.targets = append(n.targets, target)
	return nil
}

func (n *recordingNavigator) visited() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}

type mountCall struct {
	Username string
	Blocked  bool
}

type fakeAffordance struct {
	mu      sync.Mutex
	mounts  []mountCall
	states  map[string]bool
	refuse  bool
}

func (a *fakeAffordance) Mount(_ context.Context, _ DOM, username string, blocked bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refuse {
		return false, nil
	}
	a.mounts = append(a.mounts, mountCall{Username: username, Blocked: blocked})
	if a.states == nil {
		a.states = map[string]bool{}
	}
	a.states[username] = blocked
	return true, nil
}

func (a *fakeAffordance) SetBlocked(username string, blocked bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.states == nil {
		a.states = map[string]bool{}
	}
	a.states[username] = blocked
}

func (a *fakeAffordance) mountCalls() []mountCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]mountCall(nil), a.mounts...)
}

func (a *fakeAffordance) state(username string) (bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.states[username]
	return v, ok
}

// manualScheduler records delayed work so tests decide when it runs.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*scheduledTask
}

type scheduledTask struct {
	delay   time.Duration
	fn      func()
	stopped bool
	ran     bool
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	task := &scheduledTask{delay: d, fn: f}
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if task.stopped || task.ran {
			return false
		}
		task.stopped = true
		return true
	}
}

// RunPending runs every scheduled task that has not been stopped yet.
func (s *manualScheduler) RunPending() int {
	s.mu.Lock()
	var due []*scheduledTask
	for _, task := range s.tasks {
		if !task.stopped && !task.ran {
			task.ran = true
			due = append(due, task)
		}
	}
	s.mu.Unlock()
	for _, task := range due {
		task.fn()
	}
	return len(due)
}

func (s *manualScheduler) pendingDelays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, task := range s.tasks {
		if !task.stopped && !task.ran {
			out = append(out, task.delay)
		}
	}
	return out
}

type fakeTab struct {
	id  string
	url string
	err error

	mu       sync.Mutex
	received []Notification
	onPush   func(Notification)
}

func (t *fakeTab) ID() string  { return t.id }
func (t *fakeTab) URL() string { return t.url }

func (t *fakeTab) Push(_ context.Context, n Notification) error {
	if t.err != nil {
		return t.err
	}
	t.mu.Lock()
	t.received = append(t.received, n)
	hook := t.onPush
	t.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (t *fakeTab) notifications() []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Notification(nil), t.received...)
}
