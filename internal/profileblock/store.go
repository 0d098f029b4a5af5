package profileblock

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	KeyBlockedUsers = "blockedUsers"
	KeySettings     = "settings"

	ExportVersion = "1.0.0"

	DefaultRedirectDelay  = 3
	DefaultBlockerPageURL = "https://yourdomain.pages.dev/blocker"
	DefaultRedirectTarget = "https://instagram.com"
	DefaultBlockedMessage = "Stay focused on what matters"
)

type BlockRecord struct {
	Username    string `json:"-"`
	AddedDate   int64  `json:"addedDate"`
	AddedFrom   string `json:"addedFrom,omitempty"`
	CustomDelay *int   `json:"customDelay"`
}

type Settings struct {
	RedirectDelay   int    `json:"redirectDelay"`
	BlockerPageURL  string `json:"blockerPageUrl"`
	RedirectTarget  string `json:"redirectTarget"`
	EnableIncognito bool   `json:"enableIncognito"`
	BlockedMessage  string `json:"blockedMessage"`
}

func DefaultSettings() Settings {
	return Settings{
		RedirectDelay:   DefaultRedirectDelay,
		BlockerPageURL:  DefaultBlockerPageURL,
		RedirectTarget:  DefaultRedirectTarget,
		EnableIncognito: true,
		BlockedMessage:  DefaultBlockedMessage,
	}
}

// SettingsPatch is a shallow update; nil fields are left untouched.
type SettingsPatch struct {
	RedirectDelay   *int    `json:"redirectDelay,omitempty"`
	BlockerPageURL  *string `json:"blockerPageUrl,omitempty"`
	RedirectTarget  *string `json:"redirectTarget,omitempty"`
	EnableIncognito *bool   `json:"enableIncognito,omitempty"`
	BlockedMessage  *string `json:"blockedMessage,omitempty"`
}

func (p SettingsPatch) apply(s Settings) Settings {
	if p.RedirectDelay != nil {
		s.RedirectDelay = *p.RedirectDelay
	}
	if p.BlockerPageURL != nil {
		s.BlockerPageURL = *p.BlockerPageURL
	}
	if p.RedirectTarget != nil {
		s.RedirectTarget = *p.RedirectTarget
	}
	if p.EnableIncognito != nil {
		s.EnableIncognito = *p.EnableIncognito
	}
	if p.BlockedMessage != nil {
		s.BlockedMessage = *p.BlockedMessage
	}
	return s
}

type ExportBundle struct {
	Version    string      `json:"version"`
	ExportDate int64       `json:"exportDate"`
	Data       *ExportData `json:"data"`
}

type ExportData struct {
	BlockedUsers map[string]BlockRecord `json:"blockedUsers"`
	Settings     *Settings              `json:"settings,omitempty"`
}

type BlockStoreOptions struct {
	Now func() time.Time
}

// BlockStore is the single source of truth for the block list and
// settings. The mutex only serializes read-modify-write sequences issued
// through this instance; writers in other processes sharing the same
// KVStore race with last-writer-wins semantics per key, and two concurrent
// updates of the same username from different processes can lose one.
type BlockStore struct {
	kv  KVStore
	now func() time.Time
	mu  sync.Mutex
}

func NewBlockStore(kv KVStore) *BlockStore {
	return NewBlockStoreWithOptions(kv, BlockStoreOptions{})
}

func NewBlockStoreWithOptions(kv KVStore, opts BlockStoreOptions) *BlockStore {
	if kv == nil {
		kv = NewMemoryKV()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &BlockStore{kv: kv, now: now}
}

func (s *BlockStore) KV() KVStore {
	return s.kv
}

// Initialize writes an empty block list and default settings when no
// settings have been stored yet.
func (s *BlockStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.get(ctx, KeySettings)
	if err != nil {
		return err
	}
	if _, ok := items[KeySettings]; ok {
		return nil
	}
	return s.put(ctx, map[string]BlockRecord{}, ptrSettings(DefaultSettings()))
}

func (s *BlockStore) IsBlocked(ctx context.Context, username string) (bool, error) {
	users, err := s.blockedUsers(ctx)
	if err != nil {
		return false, err
	}
	_, ok := users[CanonicalUsername(username)]
	return ok, nil
}

func (s *BlockStore) Get(ctx context.Context, username string) (BlockRecord, bool, error) {
	users, err := s.blockedUsers(ctx)
	if err != nil {
		return BlockRecord{}, false, err
	}
	key := CanonicalUsername(username)
	rec, ok := users[key]
	rec.Username = key
	return rec, ok, nil
}

// Block inserts or refreshes the record for username. Re-blocking resets
// the date and clears any custom delay.
func (s *BlockStore) Block(ctx context.Context, username, profileURL string) (BlockRecord, error) {
	key := CanonicalUsername(username)
	if !ValidUsername(key) {
		return BlockRecord{}, fmt.Errorf("%w: username %q", ErrInvalidInput, username)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.blockedUsers(ctx)
	if err != nil {
		return BlockRecord{}, err
	}
	rec := BlockRecord{
		Username:  key,
		AddedDate: s.now().UnixMilli(),
		AddedFrom: profileURL,
	}
	users[key] = rec
	if err := s.put(ctx, users, nil); err != nil {
		return BlockRecord{}, err
	}
	return rec, nil
}

func (s *BlockStore) Unblock(ctx context.Context, username string) error {
	key := CanonicalUsername(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.blockedUsers(ctx)
	if err != nil {
		return err
	}
	if _, ok := users[key]; !ok {
		return nil
	}
	delete(users, key)
	return s.put(ctx, users, nil)
}

// SetCustomDelay overrides the global delay for one blocked user. A nil
// delay reverts the user to the global setting.
func (s *BlockStore) SetCustomDelay(ctx context.Context, username string, delay *int) error {
	if delay != nil && *delay <= 0 {
		return fmt.Errorf("%w: custom delay must be positive", ErrInvalidInput)
	}
	key := CanonicalUsername(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.blockedUsers(ctx)
	if err != nil {
		return err
	}
	rec, ok := users[key]
	if !ok {
		return fmt.Errorf("%w: %s is not blocked", ErrInvalidInput, key)
	}
	if delay != nil {
		d := *delay
		rec.CustomDelay = &d
	} else {
		rec.CustomDelay = nil
	}
	users[key] = rec
	return s.put(ctx, users, nil)
}

// List returns the block list, most recently blocked first.
func (s *BlockStore) List(ctx context.Context) ([]BlockRecord, error) {
	users, err := s.blockedUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BlockRecord, 0, len(users))
	for name, rec := range users {
		rec.Username = name
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedDate != out[j].AddedDate {
			return out[i].AddedDate > out[j].AddedDate
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}

func (s *BlockStore) GetSettings(ctx context.Context) (Settings, error) {
	items, err := s.get(ctx, KeySettings)
	if err != nil {
		return Settings{}, err
	}
	return decodeSettings(items[KeySettings])
}

func (s *BlockStore) UpdateSettings(ctx context.Context, patch SettingsPatch) (Settings, error) {
	if patch.RedirectDelay != nil && *patch.RedirectDelay <= 0 {
		return Settings{}, fmt.Errorf("%w: redirectDelay must be positive", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.GetSettings(ctx)
	if err != nil {
		return Settings{}, err
	}
	next := patch.apply(current)
	if err := s.put(ctx, nil, &next); err != nil {
		return Settings{}, err
	}
	return next, nil
}

func (s *BlockStore) EffectiveDelay(ctx context.Context, username string) (int, error) {
	items, err := s.get(ctx, KeyBlockedUsers, KeySettings)
	if err != nil {
		return 0, err
	}
	users, err := decodeBlockedUsers(items[KeyBlockedUsers])
	if err != nil {
		return 0, err
	}
	if rec, ok := users[CanonicalUsername(username)]; ok && rec.CustomDelay != nil {
		return *rec.CustomDelay, nil
	}
	settings, err := decodeSettings(items[KeySettings])
	if err != nil {
		return 0, err
	}
	return settings.RedirectDelay, nil
}

func (s *BlockStore) ExportAll(ctx context.Context) (ExportBundle, error) {
	items, err := s.get(ctx, KeyBlockedUsers, KeySettings)
	if err != nil {
		return ExportBundle{}, err
	}
	users, err := decodeBlockedUsers(items[KeyBlockedUsers])
	if err != nil {
		return ExportBundle{}, err
	}
	settings, err := decodeSettings(items[KeySettings])
	if err != nil {
		return ExportBundle{}, err
	}
	return ExportBundle{
		Version:    ExportVersion,
		ExportDate: s.now().UnixMilli(),
		Data: &ExportData{
			BlockedUsers: users,
			Settings:     &settings,
		},
	}, nil
}

// ImportAll merges the bundle into the store in a single write. Incoming
// records replace existing ones with the same username; settings are only
// replaced when the bundle carries them. Usernames that collide once
// canonicalized make the bundle invalid. Nothing is written if any part of
// the bundle is invalid.
func (s *BlockStore) ImportAll(ctx context.Context, bundle ExportBundle) error {
	if bundle.Data == nil {
		return fmt.Errorf("%w: missing data", ErrInvalidImportFormat)
	}
	names := make([]string, 0, len(bundle.Data.BlockedUsers))
	for name := range bundle.Data.BlockedUsers {
		names = append(names, name)
	}
	sort.Strings(names)
	incoming := make(map[string]BlockRecord, len(names))
	for _, name := range names {
		rec := bundle.Data.BlockedUsers[name]
		key := CanonicalUsername(name)
		if !ValidUsername(key) {
			return fmt.Errorf("%w: username %q", ErrInvalidImportFormat, name)
		}
		// "Alice" and "alice" name the same record; neither can win.
		if _, dup := incoming[key]; dup {
			return fmt.Errorf("%w: username %q appears more than once", ErrInvalidImportFormat, key)
		}
		if rec.CustomDelay != nil && *rec.CustomDelay <= 0 {
			return fmt.Errorf("%w: customDelay for %s must be positive", ErrInvalidImportFormat, key)
		}
		rec.Username = key
		incoming[key] = rec
	}
	var settings *Settings
	if bundle.Data.Settings != nil {
		if bundle.Data.Settings.RedirectDelay <= 0 {
			return fmt.Errorf("%w: redirectDelay must be positive", ErrInvalidImportFormat)
		}
		settings = ptrSettings(*bundle.Data.Settings)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.blockedUsers(ctx)
	if err != nil {
		return err
	}
	for key, rec := range incoming {
		users[key] = rec
	}
	return s.put(ctx, users, settings)
}

// ImportJSON validates a serialized export bundle before merging it.
func (s *BlockStore) ImportJSON(ctx context.Context, raw []byte) error {
	bundle, err := ParseExportBundle(raw)
	if err != nil {
		return err
	}
	return s.ImportAll(ctx, bundle)
}

// ClearAll empties the block list and restores default settings in one
// write.
func (s *BlockStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, map[string]BlockRecord{}, ptrSettings(DefaultSettings()))
}

// Watch calls fn for every change touching the block list or settings.
func (s *BlockStore) Watch(fn func(StorageChange)) func() {
	return s.kv.Subscribe(func(change StorageChange) {
		if change.Touches(KeyBlockedUsers) || change.Touches(KeySettings) {
			fn(change)
		}
	})
}

func (s *BlockStore) blockedUsers(ctx context.Context) (map[string]BlockRecord, error) {
	items, err := s.get(ctx, KeyBlockedUsers)
	if err != nil {
		return nil, err
	}
	return decodeBlockedUsers(items[KeyBlockedUsers])
}

func (s *BlockStore) get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	items, err := s.kv.Get(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return items, nil
}

func (s *BlockStore) put(ctx context.Context, users map[string]BlockRecord, settings *Settings) error {
	items := map[string]json.RawMessage{}
	if users != nil {
		data, err := json.Marshal(users)
		if err != nil {
			return err
		}
		items[KeyBlockedUsers] = data
	}
	if settings != nil {
		data, err := json.Marshal(settings)
		if err != nil {
			return err
		}
		items[KeySettings] = data
	}
	if err := s.kv.Set(ctx, items); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func decodeBlockedUsers(raw json.RawMessage) (map[string]BlockRecord, error) {
	users := map[string]BlockRecord{}
	if len(raw) == 0 || string(raw) == "null" {
		return users, nil
	}
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrStoreUnavailable, KeyBlockedUsers, err)
	}
	for name, rec := range users {
		rec.Username = name
		users[name] = rec
	}
	return users, nil
}

// decodeSettings overlays the stored object on the defaults so that a
// partially stored record still yields every field.
func decodeSettings(raw json.RawMessage) (Settings, error) {
	settings := DefaultSettings()
	if len(raw) == 0 || string(raw) == "null" {
		return settings, nil
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("%w: decode %s: %w", ErrStoreUnavailable, KeySettings, err)
	}
	return settings, nil
}

func ptrSettings(s Settings) *Settings {
	return &s
}
