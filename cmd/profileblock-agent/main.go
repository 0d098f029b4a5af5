package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentworkforce/profileguard/internal/config"
	"github.com/agentworkforce/profileguard/internal/logging"
	"github.com/agentworkforce/profileguard/internal/pagelink"
	"github.com/agentworkforce/profileguard/internal/profileblock"
	"go.uber.org/zap"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg, err := config.Load(strings.TrimSpace(os.Getenv("PROFILEBLOCK_CONFIG")))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	opts := registerFlags(flag.CommandLine, cfg)
	flag.Parse()

	if strings.TrimSpace(opts.token) == "" {
		log.Fatalf("token is required (--token, PROFILEBLOCK_TOKEN or token in the config file)")
	}
	if strings.TrimSpace(opts.pageFile) == "" {
		log.Fatalf("page-file is required (--page-file or PROFILEBLOCK_PAGE_FILE)")
	}
	if opts.timeout <= 0 {
		opts.timeout = 15 * time.Second
	}
	if opts.reconnect <= 0 {
		opts.reconnect = 2 * time.Second
	}
	opts.reconnectJitter = clampJitterRatio(opts.reconnectJitter)

	logger := logging.Must(opts.logLevel, logging.FormatConsole)
	defer func() { _ = logger.Sync() }()

	client := pagelink.NewHTTPClient(opts.baseURL, opts.token, &http.Client{Timeout: opts.timeout})
	backend := profileblock.NewClient(client)
	location := pagelink.NewFileLocation(opts.pageFile, logger)
	toggle := pagelink.NewHeaderToggle(logger)
	toggle.OnChange = func(state pagelink.ToggleState) {
		fmt.Printf("%s %s (@%s)\n", state.Label(), state.Title(), state.Username)
	}
	watcher, err := profileblock.NewWatcher(profileblock.WatcherOptions{
		Orchestrator: profileblock.NewOrchestrator(profileblock.NewResolver(opts.siteHost), backend),
		Location:     location,
		Navigator:    pagelink.NewBrowserNavigator(logger),
		Affordance:   toggle,
		Backend:      backend,
		PollInterval: opts.pollInterval,
		SettleDelay:  opts.settleDelay,
		RecheckDelay: opts.recheckDelay,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("failed to initialize watcher", zap.Error(err))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.once {
		ctx, cancel := context.WithTimeout(rootCtx, opts.timeout)
		defer cancel()
		if err := watcher.Poll(ctx); err != nil {
			logger.Fatal("evaluation failed", zap.Error(err))
		}
		stats := watcher.Stats()
		logger.Info("evaluation completed", zap.Int("redirects", stats.Redirects), zap.String("username", watcher.CurrentUsername()))
		return
	}

	var tab currentTab
	go func() {
		err := location.Watch(rootCtx, func(pageURL string) {
			if err := watcher.NotifyHistoryStateUpdated(rootCtx, pageURL); err != nil {
				logger.Warn("page change evaluation failed", zap.Error(err))
			}
			if err := tab.reportHistoryState(rootCtx, pageURL); err != nil {
				logger.Debug("history report failed", zap.Error(err))
			}
		})
		if err != nil && rootCtx.Err() == nil {
			logger.Warn("page file watch stopped, relying on polling", zap.Error(err))
		}
	}()
	go maintainTab(rootCtx, client, location, watcher, &tab, opts.reconnect, opts.reconnectJitter, logger)
	go readCommands(rootCtx, os.Stdin, os.Stdout, watcher, logger)

	if err := watcher.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("watcher stopped", zap.Error(err))
	}
	logger.Info("profileblock-agent stopping")
}

type agentOptions struct {
	baseURL         string
	token           string
	pageFile        string
	siteHost        string
	pollInterval    time.Duration
	settleDelay     time.Duration
	recheckDelay    time.Duration
	reconnect       time.Duration
	reconnectJitter float64
	timeout         time.Duration
	logLevel        string
	once            bool
}

// registerFlags binds the agent flags. Values from cfg (config file and
// PROFILEBLOCK_* variables) are the defaults; flags override them.
func registerFlags(fs *flag.FlagSet, cfg *config.Config) *agentOptions {
	opts := &agentOptions{}
	fs.StringVar(&opts.baseURL, "base-url", cfg.BaseURL, "profileblockd base URL")
	fs.StringVar(&opts.token, "token", strings.TrimSpace(cfg.Token), "bearer token")
	fs.StringVar(&opts.pageFile, "page-file", envOrDefault("PROFILEBLOCK_PAGE_FILE", ""), "page snapshot file written by the browser bridge")
	fs.StringVar(&opts.siteHost, "site-host", cfg.SiteHost, "site whose profiles are guarded")
	fs.DurationVar(&opts.pollInterval, "poll-interval", cfg.PollInterval, "URL poll interval")
	fs.DurationVar(&opts.settleDelay, "settle-delay", cfg.SettleDelay, "delay before mounting the toggle")
	fs.DurationVar(&opts.recheckDelay, "recheck-delay", cfg.RecheckDelay, "delay before re-checking after a block")
	fs.DurationVar(&opts.reconnect, "reconnect-interval", durationEnv("PROFILEBLOCK_RECONNECT_INTERVAL", 2*time.Second), "tab reconnect interval")
	fs.Float64Var(&opts.reconnectJitter, "reconnect-jitter", floatEnv("PROFILEBLOCK_RECONNECT_JITTER", 0.2), "tab reconnect jitter ratio (0.0-1.0)")
	fs.DurationVar(&opts.timeout, "timeout", durationEnv("PROFILEBLOCK_TIMEOUT", 15*time.Second), "per-request timeout")
	fs.StringVar(&opts.logLevel, "log-level", cfg.LogLevel, "log level")
	fs.BoolVar(&opts.once, "once", false, "evaluate the current page once and exit")
	return opts
}

// currentTab holds the live tab connection, if any, across reconnects.
type currentTab struct {
	mu   sync.Mutex
	conn *pagelink.TabConn
}

func (c *currentTab) set(conn *pagelink.TabConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *currentTab) reportHistoryState(ctx context.Context, pageURL string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.ReportHistoryState(ctx, pageURL)
}

// maintainTab keeps this page registered as a tab at the daemon so that
// block changes made elsewhere reach the watcher.
func maintainTab(ctx context.Context, client *pagelink.HTTPClient, location profileblock.Location, watcher *profileblock.Watcher, tab *currentTab, interval time.Duration, jitter float64, logger *zap.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		conn, err := pagelink.DialTab(ctx, client, location.CurrentURL())
		if err != nil {
			logger.Warn("tab registration failed", zap.Error(err))
		} else {
			logger.Info("tab registered", zap.String("tabId", conn.ID()))
			tab.set(conn)
			err = conn.Run(ctx, func(ctx context.Context, n profileblock.Notification) {
				if err := watcher.HandleNotification(ctx, n); err != nil {
					logger.Warn("notification handling failed", zap.String("type", string(n.Type)), zap.Error(err))
				}
			})
			tab.set(nil)
			_ = conn.Close()
			if err != nil && ctx.Err() == nil {
				logger.Warn("tab connection lost", zap.Error(err))
			}
		}
		timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

type toggler interface {
	Toggle(ctx context.Context) (bool, error)
	Stats() profileblock.WatcherStats
	CurrentUsername() string
}

// readCommands reads "toggle" and "status" lines from in, which stands in
// for clicks on the header toggle.
func readCommands(ctx context.Context, in io.Reader, out io.Writer, w toggler, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "":
		case "toggle", "t":
			blocked, err := w.Toggle(ctx)
			if err != nil {
				fmt.Fprintf(out, "toggle failed: %v\n", err)
				continue
			}
			if blocked {
				fmt.Fprintf(out, "blocked @%s\n", w.CurrentUsername())
			} else {
				fmt.Fprintf(out, "unblocked @%s\n", w.CurrentUsername())
			}
		case "status", "s":
			stats := w.Stats()
			fmt.Fprintf(out, "profile=@%s evaluations=%d redirects=%d mounts=%d\n",
				w.CurrentUsername(), stats.Evaluations, stats.Redirects, stats.Mounts)
		default:
			fmt.Fprintln(out, "commands: toggle, status")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("command input closed", zap.Error(err))
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
