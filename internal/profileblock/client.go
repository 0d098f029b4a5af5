package profileblock

import (
	"context"
	"errors"
	"fmt"
)

// Backend is the write side the page-context affordance needs.
type Backend interface {
	Block(ctx context.Context, username, profileURL string) error
	Unblock(ctx context.Context, username string) error
}

// Client gives a page context the Lookup and Backend views of the block
// store through a Messenger.
type Client struct {
	messenger Messenger
}

func NewClient(messenger Messenger) *Client {
	return &Client{messenger: messenger}
}

func (c *Client) IsBlocked(ctx context.Context, username string) (bool, error) {
	resp, err := c.send(ctx, Request{Type: CheckBlocked, Username: username})
	if err != nil {
		return false, err
	}
	if resp.Blocked == nil {
		return false, fmt.Errorf("%w: %s response missing blocked", ErrStoreUnavailable, CheckBlocked)
	}
	return *resp.Blocked, nil
}

func (c *Client) GetSettings(ctx context.Context) (Settings, error) {
	resp, err := c.send(ctx, Request{Type: GetSettings})
	if err != nil {
		return Settings{}, err
	}
	if resp.Settings == nil {
		return Settings{}, fmt.Errorf("%w: %s response missing settings", ErrStoreUnavailable, GetSettings)
	}
	return *resp.Settings, nil
}

func (c *Client) EffectiveDelay(ctx context.Context, username string) (int, error) {
	resp, err := c.send(ctx, Request{Type: GetRedirectDelay, Username: username})
	if err != nil {
		return 0, err
	}
	if resp.Delay == nil {
		return 0, fmt.Errorf("%w: %s response missing delay", ErrStoreUnavailable, GetRedirectDelay)
	}
	return *resp.Delay, nil
}

func (c *Client) Block(ctx context.Context, username, profileURL string) error {
	return c.mutate(ctx, Request{Type: BlockUser, Username: username, ProfileURL: profileURL})
}

func (c *Client) Unblock(ctx context.Context, username string) error {
	return c.mutate(ctx, Request{Type: UnblockUser, Username: username})
}

func (c *Client) mutate(ctx context.Context, req Request) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	if resp.Success == nil || !*resp.Success {
		return fmt.Errorf("%w: %s was not applied", ErrStoreUnavailable, req.Type)
	}
	return nil
}

func (c *Client) send(ctx context.Context, req Request) (Response, error) {
	if c == nil || c.messenger == nil {
		return Response{}, fmt.Errorf("%w: no messenger", ErrStoreUnavailable)
	}
	resp, err := c.messenger.Send(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if resp.Error != "" {
		return Response{}, fmt.Errorf("%w: %s", ErrStoreUnavailable, resp.Error)
	}
	return resp, nil
}

// storeBackend adapts a BlockStore for in-process use as a Backend.
type storeBackend struct {
	store *BlockStore
}

func StoreBackend(store *BlockStore) Backend {
	return storeBackend{store: store}
}

func (b storeBackend) Block(ctx context.Context, username, profileURL string) error {
	_, err := b.store.Block(ctx, username, profileURL)
	return err
}

func (b storeBackend) Unblock(ctx context.Context, username string) error {
	return b.store.Unblock(ctx, username)
}

var (
	_ Lookup    = (*BlockStore)(nil)
	_ Lookup    = (*Client)(nil)
	_ Backend   = (*Client)(nil)
	_ Messenger = (*Service)(nil)
)

// IsStoreFailure reports whether err came from the storage layer rather
// than from bad input.
func IsStoreFailure(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
