package profileblock

import "context"

type RequestType string

const (
	CheckBlocked     RequestType = "CHECK_BLOCKED"
	BlockUser        RequestType = "BLOCK_USER"
	UnblockUser      RequestType = "UNBLOCK_USER"
	GetSettings      RequestType = "GET_SETTINGS"
	GetRedirectDelay RequestType = "GET_REDIRECT_DELAY"
)

// Mutating reports whether handling the request writes to the store.
func (t RequestType) Mutating() bool {
	return t == BlockUser || t == UnblockUser
}

type Request struct {
	Type       RequestType `json:"type"`
	Username   string      `json:"username,omitempty"`
	ProfileURL string      `json:"profileUrl,omitempty"`
}

type Response struct {
	Blocked  *bool     `json:"blocked,omitempty"`
	Success  *bool     `json:"success,omitempty"`
	Settings *Settings `json:"settings,omitempty"`
	Delay    *int      `json:"delay,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type NotificationType string

const (
	URLChanged    NotificationType = "URL_CHANGED"
	UserBlocked   NotificationType = "USER_BLOCKED"
	UserUnblocked NotificationType = "USER_UNBLOCKED"
)

type Notification struct {
	Type     NotificationType `json:"type"`
	URL      string           `json:"url,omitempty"`
	Username string           `json:"username,omitempty"`
}

// Messenger is the request/response channel from a page context to the
// background context.
type Messenger interface {
	Send(ctx context.Context, req Request) (Response, error)
}

func boolPtr(v bool) *bool { return &v }

func intPtr(v int) *int { return &v }
