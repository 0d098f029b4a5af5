package pagelink

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/profileguard/internal/httpapi"
	"github.com/agentworkforce/profileguard/internal/profileblock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNavigator struct {
	mu      sync.Mutex
	visited []string
}

func (n *recordingNavigator) Navigate(_ context.Context, target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.visited = append(n.visited, target)
	return nil
}

func (n *recordingNavigator) targets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.visited...)
}

func writeSnapshot(t *testing.T, path string, snap PageSnapshot) {
	t.Helper()
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func profileSnapshot(username string) PageSnapshot {
	return PageSnapshot{
		URL: "https://www.instagram.com/" + username + "/",
		DOM: profileblock.StaticDOM{Texts: map[string]string{
			"header section": "",
			"header h2":      username,
		}},
	}
}

func startDaemon(t *testing.T) (*HTTPClient, *profileblock.Service) {
	t.Helper()
	store := profileblock.NewBlockStore(profileblock.NewMemoryKV())
	require.NoError(t, store.Initialize(context.Background()))
	svc := profileblock.NewService(store, nil, nil)
	server := httptest.NewServer(httpapi.NewServer(svc))
	t.Cleanup(server.Close)

	token, err := httpapi.IssueToken("dev-secret", "agent-test",
		[]string{httpapi.ScopeRead, httpapi.ScopeWrite, httpapi.ScopeTabs}, time.Hour, time.Now())
	require.NoError(t, err)
	return NewHTTPClient(server.URL, token, server.Client()), svc
}

func TestAgentBlocksAndRedirectsThroughDaemon(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, svc := startDaemon(t)
	snapshotPath := filepath.Join(t.TempDir(), "page.json")
	writeSnapshot(t, snapshotPath, profileSnapshot("alice"))

	location := NewFileLocation(snapshotPath, nil)
	nav := &recordingNavigator{}
	toggle := NewHeaderToggle(nil)
	remote := profileblock.NewClient(client)
	watcher, err := profileblock.NewWatcher(profileblock.WatcherOptions{
		Orchestrator: profileblock.NewOrchestrator(profileblock.NewResolver(""), remote),
		Location:     location,
		Navigator:    nav,
		Affordance:   toggle,
		Backend:      remote,
		SettleDelay:  10 * time.Millisecond,
		RecheckDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, watcher.Poll(ctx))
	require.Eventually(t, func() bool { return toggle.State().Mounted }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ToggleState{Mounted: true, Username: "alice", Blocked: false, Selector: "header section"}, toggle.State())
	assert.Equal(t, "🔒", toggle.State().Label())

	tab, err := DialTab(ctx, client, location.CurrentURL())
	require.NoError(t, err)
	defer tab.Close()
	go func() {
		_ = tab.Run(ctx, func(ctx context.Context, n profileblock.Notification) {
			_ = watcher.HandleNotification(ctx, n)
		})
	}()
	require.Eventually(t, func() bool {
		_, ok := svc.Tabs().Get(tab.ID())
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	blocked, err := watcher.Toggle(ctx)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.True(t, toggle.State().Blocked)

	require.Eventually(t, func() bool { return len(nav.targets()) > 0 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	targets := nav.targets()
	require.Len(t, targets, 1, "one redirect per url")
	assert.True(t, strings.HasPrefix(targets[0], profileblock.DefaultBlockerPageURL+"?username=alice&delay=3&message="), targets[0])
}

func TestFileLocationWatchReportsNewURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "page.json")
	writeSnapshot(t, path, profileSnapshot("alice"))
	location := NewFileLocation(path, nil)
	require.Equal(t, "https://www.instagram.com/alice/", location.CurrentURL())

	changes := make(chan string, 4)
	go func() { _ = location.Watch(ctx, func(url string) { changes <- url }) }()
	time.Sleep(100 * time.Millisecond)

	writeSnapshot(t, path, profileSnapshot("bob"))
	select {
	case got := <-changes:
		assert.Equal(t, "https://www.instagram.com/bob/", got)
	case <-ctx.Done():
		t.Fatal("expected a url change")
	}
	text, ok := location.DOM().Text("header h2")
	assert.True(t, ok)
	assert.Equal(t, "bob", text)
}

func TestFileLocationKeepsLastSnapshotOnCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.json")
	location := NewFileLocation(path, nil)
	assert.Equal(t, "", location.CurrentURL(), "missing file is an empty page")

	writeSnapshot(t, path, profileSnapshot("alice"))
	require.Equal(t, "https://www.instagram.com/alice/", location.CurrentURL())
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	assert.Equal(t, "https://www.instagram.com/alice/", location.CurrentURL())
}

func TestHeaderToggleNeedsHeader(t *testing.T) {
	toggle := NewHeaderToggle(nil)
	var seen []ToggleState
	toggle.OnChange = func(s ToggleState) { seen = append(seen, s) }

	mounted, err := toggle.Mount(context.Background(), profileblock.StaticDOM{}, "alice", false)
	require.NoError(t, err)
	assert.False(t, mounted)

	dom := profileblock.StaticDOM{Texts: map[string]string{"main header section": ""}}
	mounted, err = toggle.Mount(context.Background(), dom, "alice", true)
	require.NoError(t, err)
	assert.True(t, mounted)
	assert.Equal(t, "main header section", toggle.State().Selector)
	assert.Equal(t, "Unblock this user", toggle.State().Title())

	toggle.SetBlocked("someone_else", false)
	toggle.SetBlocked("alice", false)
	require.Len(t, seen, 2)
	assert.False(t, seen[1].Blocked)
}

func TestBrowserNavigatorOpensTarget(t *testing.T) {
	var opened string
	nav := NewBrowserNavigator(nil)
	nav.open = func(url string) error { opened = url; return nil }
	require.NoError(t, nav.Navigate(context.Background(), "https://blocker.example/?username=a"))
	assert.Equal(t, "https://blocker.example/?username=a", opened)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, nav.Navigate(ctx, "https://x"), context.Canceled)
}
