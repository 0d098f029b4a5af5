package pagelink

import (
	"context"
	"sync"

	"github.com/agentworkforce/profileguard/internal/profileblock"
	"github.com/pkg/browser"
	"go.uber.org/zap"
)

// HeaderSelectors are the profile header containers the toggle attaches
// to, in order of preference.
var HeaderSelectors = []string{
	"header section",
	"header > section",
	"main header section",
}

// BrowserNavigator opens redirect targets in the system browser.
type BrowserNavigator struct {
	open   func(url string) error
	logger *zap.Logger
}

var _ profileblock.Navigator = (*BrowserNavigator)(nil)

func NewBrowserNavigator(logger *zap.Logger) *BrowserNavigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrowserNavigator{open: browser.OpenURL, logger: logger}
}

func (n *BrowserNavigator) Navigate(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.Info("opening blocker page", zap.String("target", target))
	return n.open(target)
}

// ToggleState describes the toggle as last rendered.
type ToggleState struct {
	Mounted  bool
	Username string
	Blocked  bool
	Selector string
}

// Label is the glyph the toggle shows: a closed lock offers to block, an
// open one to unblock.
func (s ToggleState) Label() string {
	if s.Blocked {
		return "🔓"
	}
	return "🔒"
}

func (s ToggleState) Title() string {
	if s.Blocked {
		return "Unblock this user"
	}
	return "Block this user"
}

// HeaderToggle is a headless block/unblock control. It mounts only when
// the page has a profile header to attach to and reports state changes
// through OnChange.
type HeaderToggle struct {
	logger   *zap.Logger
	OnChange func(ToggleState)

	mu    sync.Mutex
	state ToggleState
}

var _ profileblock.Affordance = (*HeaderToggle)(nil)

func NewHeaderToggle(logger *zap.Logger) *HeaderToggle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeaderToggle{logger: logger}
}

func (h *HeaderToggle) Mount(_ context.Context, dom profileblock.DOM, username string, blocked bool) (bool, error) {
	selector, ok := findHeader(dom)
	if !ok {
		h.logger.Debug("no header section to attach toggle", zap.String("username", username))
		return false, nil
	}
	h.mu.Lock()
	h.state = ToggleState{Mounted: true, Username: username, Blocked: blocked, Selector: selector}
	state := h.state
	h.mu.Unlock()
	h.logger.Info("toggle mounted", zap.String("username", username), zap.Bool("blocked", blocked))
	h.emit(state)
	return true, nil
}

func (h *HeaderToggle) SetBlocked(username string, blocked bool) {
	h.mu.Lock()
	if !h.state.Mounted || h.state.Username != username || h.state.Blocked == blocked {
		h.mu.Unlock()
		return
	}
	h.state.Blocked = blocked
	state := h.state
	h.mu.Unlock()
	h.emit(state)
}

func (h *HeaderToggle) State() ToggleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *HeaderToggle) emit(state ToggleState) {
	if h.OnChange != nil {
		h.OnChange(state)
	}
}

func findHeader(dom profileblock.DOM) (string, bool) {
	if dom == nil {
		return "", false
	}
	type selectorSet interface{ Has(selector string) bool }
	for _, selector := range HeaderSelectors {
		if set, ok := dom.(selectorSet); ok {
			if set.Has(selector) {
				return selector, true
			}
			continue
		}
		if _, ok := dom.Text(selector); ok {
			return selector, true
		}
	}
	return "", false
}
