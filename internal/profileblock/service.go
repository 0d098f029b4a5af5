package profileblock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Service is the background context. It owns the block store, answers
// page-context requests and fans notifications out to open tabs.
type Service struct {
	store  *BlockStore
	tabs   *TabRegistry
	logger *zap.Logger

	mu    sync.Mutex
	known map[string]struct{}
}

func NewService(store *BlockStore, tabs *TabRegistry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tabs == nil {
		tabs = NewTabRegistry(DefaultSiteHost)
	}
	return &Service{store: store, tabs: tabs, logger: logger}
}

func (s *Service) Store() *BlockStore {
	return s.store
}

func (s *Service) Tabs() *TabRegistry {
	return s.tabs
}

// Send handles one page-context request. Store failures are returned as
// errors; the response is only meaningful when err is nil.
func (s *Service) Send(ctx context.Context, req Request) (Response, error) {
	switch req.Type {
	case CheckBlocked:
		blocked, err := s.store.IsBlocked(ctx, req.Username)
		if err != nil {
			return Response{}, err
		}
		return Response{Blocked: boolPtr(blocked)}, nil
	case BlockUser:
		rec, err := s.store.Block(ctx, req.Username, req.ProfileURL)
		if err != nil {
			return Response{}, err
		}
		s.remember(rec.Username, true)
		s.logger.Info("user blocked", zap.String("username", rec.Username))
		s.broadcast(ctx, Notification{Type: UserBlocked, Username: rec.Username})
		return Response{Success: boolPtr(true)}, nil
	case UnblockUser:
		username := CanonicalUsername(req.Username)
		if err := s.store.Unblock(ctx, username); err != nil {
			return Response{}, err
		}
		s.remember(username, false)
		s.logger.Info("user unblocked", zap.String("username", username))
		s.broadcast(ctx, Notification{Type: UserUnblocked, Username: username})
		return Response{Success: boolPtr(true)}, nil
	case GetSettings:
		settings, err := s.store.GetSettings(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Settings: &settings}, nil
	case GetRedirectDelay:
		delay, err := s.store.EffectiveDelay(ctx, req.Username)
		if err != nil {
			return Response{}, err
		}
		return Response{Delay: intPtr(delay)}, nil
	default:
		return Response{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, req.Type)
	}
}

// HistoryStateUpdated forwards a history-state navigation of one tab to
// that tab's pipeline.
func (s *Service) HistoryStateUpdated(ctx context.Context, tabID, rawURL string) error {
	tab, ok := s.tabs.Get(tabID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	if !s.tabs.MatchesSite(rawURL) {
		return nil
	}
	if err := pushIsolated(ctx, tab, Notification{Type: URLChanged, URL: rawURL}); err != nil {
		s.logger.Debug("url change not delivered", zap.String("tab", tabID), zap.Error(err))
		return &DeliveryError{TabID: tabID, Err: err}
	}
	return nil
}

// WatchExternalChanges broadcasts block list changes written by other
// processes or devices sharing the store. It returns a function that stops
// watching.
func (s *Service) WatchExternalChanges(ctx context.Context) (func(), error) {
	known, err := s.blockedSet(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.known = known
	s.mu.Unlock()

	return s.store.Watch(func(change StorageChange) {
		if !change.Remote || !change.Touches(KeyBlockedUsers) {
			return
		}
		s.syncExternal(ctx)
	}), nil
}

func (s *Service) syncExternal(ctx context.Context) {
	current, err := s.blockedSet(ctx)
	if err != nil {
		s.logger.Warn("reload after external change failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	previous := s.known
	s.known = current
	s.mu.Unlock()
	s.announce(ctx, previous, current)
}

// ImportJSON merges a serialized export bundle and notifies tabs about
// every user it newly blocks.
func (s *Service) ImportJSON(ctx context.Context, raw []byte) error {
	return s.mutateAndAnnounce(ctx, func() error {
		return s.store.ImportJSON(ctx, raw)
	})
}

// ClearAll empties the block list, restores default settings and notifies
// tabs that every previously blocked user is unblocked.
func (s *Service) ClearAll(ctx context.Context) error {
	return s.mutateAndAnnounce(ctx, func() error {
		return s.store.ClearAll(ctx)
	})
}

func (s *Service) mutateAndAnnounce(ctx context.Context, mutate func() error) error {
	before, err := s.blockedSet(ctx)
	if err != nil {
		return err
	}
	if err := mutate(); err != nil {
		return err
	}
	after, err := s.blockedSet(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.known != nil {
		s.known = after
	}
	s.mu.Unlock()
	s.announce(ctx, before, after)
	return nil
}

func (s *Service) blockedSet(ctx context.Context) (map[string]struct{}, error) {
	users, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(users))
	for _, rec := range users {
		out[rec.Username] = struct{}{}
	}
	return out, nil
}

func (s *Service) announce(ctx context.Context, before, after map[string]struct{}) {
	var added, removed []string
	for name := range after {
		if _, ok := before[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	for _, name := range added {
		s.broadcast(ctx, Notification{Type: UserBlocked, Username: name})
	}
	for _, name := range removed {
		s.broadcast(ctx, Notification{Type: UserUnblocked, Username: name})
	}
}

func (s *Service) remember(username string, blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known == nil {
		return
	}
	if blocked {
		s.known[username] = struct{}{}
	} else {
		delete(s.known, username)
	}
}

func (s *Service) broadcast(ctx context.Context, n Notification) BroadcastResult {
	result := Broadcast(ctx, s.tabs, n, s.logger)
	if result.Attempted > 0 {
		s.logger.Debug("notification broadcast",
			zap.String("type", string(n.Type)),
			zap.Int("attempted", result.Attempted),
			zap.Int("delivered", result.Delivered),
		)
	}
	return result
}
