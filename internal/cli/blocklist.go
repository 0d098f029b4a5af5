package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/profileguard/internal/pagelink"
	"github.com/agentworkforce/profileguard/internal/profileblock"
	"github.com/pterm/pterm"
	"github.com/samber/lo"
)

// BlocklistService is the subset of the daemon client the CLI uses.
type BlocklistService interface {
	Send(ctx context.Context, req profileblock.Request) (profileblock.Response, error)
	Settings(ctx context.Context) (profileblock.Settings, error)
	UpdateSettings(ctx context.Context, patch profileblock.SettingsPatch) (profileblock.Settings, error)
	ListBlocked(ctx context.Context) ([]pagelink.BlockedUser, error)
	SetDelay(ctx context.Context, username string, delay *int) error
	ClearAll(ctx context.Context) error
	Export(ctx context.Context) ([]byte, error)
	Import(ctx context.Context, bundle []byte) error
	Tabs(ctx context.Context) ([]pagelink.TabInfo, error)
}

var _ BlocklistService = (*pagelink.HTTPClient)(nil)

// BlocklistCmd implements the blocklist commands against a BlocklistService.
type BlocklistCmd struct {
	svc     BlocklistService
	out     io.Writer
	now     func() time.Time
	confirm func(prompt string) (bool, error)
	open    func(url string) error
}

func NewBlocklistCmd(svc BlocklistService, out io.Writer) BlocklistCmd {
	if out == nil {
		out = os.Stdout
	}
	return BlocklistCmd{
		svc:     svc,
		out:     out,
		now:     time.Now,
		confirm: interactiveConfirm,
		open:    openInBrowser,
	}
}

type UserInput struct {
	Username   string
	ProfileURL string
	Output     string
}

func (c BlocklistCmd) Block(ctx context.Context, in UserInput) error {
	if err := checkOutput(in.Output); err != nil {
		return err
	}
	username, err := requireUsername(in.Username)
	if err != nil {
		return err
	}
	profileURL := strings.TrimSpace(in.ProfileURL)
	if profileURL == "" {
		profileURL = "https://www.instagram.com/" + username + "/"
	}
	resp, err := c.svc.Send(ctx, profileblock.Request{Type: profileblock.BlockUser, Username: username, ProfileURL: profileURL})
	if err := responseError(resp, err); err != nil {
		return err
	}
	if in.Output == "json" {
		return c.printJSON(resp)
	}
	c.success().Printf("Blocked @%s\n", username)
	return nil
}

func (c BlocklistCmd) Unblock(ctx context.Context, in UserInput) error {
	if err := checkOutput(in.Output); err != nil {
		return err
	}
	username, err := requireUsername(in.Username)
	if err != nil {
		return err
	}
	resp, err := c.svc.Send(ctx, profileblock.Request{Type: profileblock.UnblockUser, Username: username})
	if err := responseError(resp, err); err != nil {
		return err
	}
	if in.Output == "json" {
		return c.printJSON(resp)
	}
	c.success().Printf("Unblocked @%s\n", username)
	return nil
}

func (c BlocklistCmd) Check(ctx context.Context, in UserInput) error {
	if err := checkOutput(in.Output); err != nil {
		return err
	}
	username, err := requireUsername(in.Username)
	if err != nil {
		return err
	}
	blockedResp, err := c.svc.Send(ctx, profileblock.Request{Type: profileblock.CheckBlocked, Username: username})
	if err := responseError(blockedResp, err); err != nil {
		return err
	}
	delayResp, err := c.svc.Send(ctx, profileblock.Request{Type: profileblock.GetRedirectDelay, Username: username})
	if err := responseError(delayResp, err); err != nil {
		return err
	}
	blocked := lo.FromPtr(blockedResp.Blocked)
	delay := lo.FromPtrOr(delayResp.Delay, profileblock.DefaultRedirectDelay)
	if in.Output == "json" {
		return c.printJSON(map[string]any{"username": username, "blocked": blocked, "delay": delay})
	}
	if blocked {
		c.warning().Printf("@%s is blocked (redirect after %ds)\n", username, delay)
	} else {
		c.info().Printf("@%s is not blocked\n", username)
	}
	return nil
}

type ListInput struct {
	Output string
}

// List prints blocked users newest first.
func (c BlocklistCmd) List(ctx context.Context, in ListInput) error {
	if err := checkOutput(in.Output); err != nil {
		return err
	}
	users, err := c.svc.ListBlocked(ctx)
	if err != nil {
		return err
	}
	if in.Output == "json" {
		return c.printJSON(lo.Ternary(users == nil, []pagelink.BlockedUser{}, users))
	}
	if len(users) == 0 {
		c.info().Println("No blocked users yet")
		return nil
	}
	now := c.now()
	rows := pterm.TableData{{"Username", "Blocked", "Delay", "Added From"}}
	rows = append(rows, lo.Map(users, func(u pagelink.BlockedUser, _ int) []string {
		delay := lo.Ternary(u.CustomDelay == nil, "default", strconv.Itoa(lo.FromPtr(u.CustomDelay))+"s")
		return []string{"@" + u.Username, relativeDate(now, time.UnixMilli(u.AddedDate)), delay, lo.Ternary(u.AddedFrom == "", "-", u.AddedFrom)}
	})...)
	c.info().Printf("%d blocked users\n", len(users))
	return c.printTable(rows)
}

type DelayInput struct {
	Username string
	// Value is a number of seconds, or "default" to fall back to the
	// global redirect delay.
	Value string
}

func (c BlocklistCmd) Delay(ctx context.Context, in DelayInput) error {
	username, err := requireUsername(in.Username)
	if err != nil {
		return err
	}
	var delay *int
	switch value := strings.ToLower(strings.TrimSpace(in.Value)); value {
	case "default", "clear", "":
	default:
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds < 0 {
			return fmt.Errorf("delay must be a non-negative number of seconds or \"default\", got %q", in.Value)
		}
		delay = &seconds
	}
	if err := c.svc.SetDelay(ctx, username, delay); err != nil {
		return err
	}
	if delay == nil {
		c.success().Printf("@%s now uses the default redirect delay\n", username)
	} else {
		c.success().Printf("@%s now redirects after %ds\n", username, *delay)
	}
	return nil
}

type ExportInput struct {
	// File is the destination; "-" writes to the output stream and an empty
	// value picks a timestamped file name.
	File string
}

func (c BlocklistCmd) Export(ctx context.Context, in ExportInput) error {
	data, err := c.svc.Export(ctx)
	if err != nil {
		return err
	}
	file := strings.TrimSpace(in.File)
	if file == "-" {
		_, err := fmt.Fprintln(c.out, string(data))
		return err
	}
	if file == "" {
		file = BackupFileName(c.now())
	}
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	c.success().Printf("Exported blocklist to %s\n", file)
	return nil
}

// BackupFileName is the default export file name for an export taken at t.
func BackupFileName(t time.Time) string {
	return fmt.Sprintf("instagram-blocker-backup-%d.json", t.UnixMilli())
}

type ImportInput struct {
	File string
}

func (c BlocklistCmd) Import(ctx context.Context, in ImportInput) error {
	file := strings.TrimSpace(in.File)
	if file == "" {
		return errors.New("import file is required")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read import: %w", err)
	}
	if err := c.svc.Import(ctx, data); err != nil {
		if errors.Is(err, profileblock.ErrInvalidImportFormat) {
			return fmt.Errorf("invalid backup file format: %w", err)
		}
		return err
	}
	c.success().Println("Blocklist imported successfully")
	return nil
}

type ClearInput struct {
	Yes bool
}

// Clear removes every blocked user after two confirmations, unless Yes is
// set.
func (c BlocklistCmd) Clear(ctx context.Context, in ClearInput) error {
	if !in.Yes {
		for _, prompt := range []string{
			"Remove ALL blocked users? This cannot be undone",
			"This permanently deletes the entire blocklist. Are you absolutely sure?",
		} {
			ok, err := c.confirm(prompt)
			if err != nil {
				return err
			}
			if !ok {
				c.info().Println("Clear cancelled")
				return nil
			}
		}
	}
	if err := c.svc.ClearAll(ctx); err != nil {
		return err
	}
	c.success().Println("All blocked users removed")
	return nil
}

type TabsInput struct {
	Output string
}

func (c BlocklistCmd) Tabs(ctx context.Context, in TabsInput) error {
	if err := checkOutput(in.Output); err != nil {
		return err
	}
	tabs, err := c.svc.Tabs(ctx)
	if err != nil {
		return err
	}
	if in.Output == "json" {
		return c.printJSON(lo.Ternary(tabs == nil, []pagelink.TabInfo{}, tabs))
	}
	if len(tabs) == 0 {
		c.info().Println("No tabs connected")
		return nil
	}
	matching := lo.CountBy(tabs, func(t pagelink.TabInfo) bool { return t.Matching })
	c.info().Printf("%d tabs connected, %d on the guarded site\n", len(tabs), matching)
	rows := pterm.TableData{{"ID", "URL", "Guarded"}}
	for _, tab := range tabs {
		rows = append(rows, []string{tab.ID, lo.Ternary(tab.URL == "", "-", tab.URL), strconv.FormatBool(tab.Matching)})
	}
	return c.printTable(rows)
}

type PreviewInput struct {
	Username string
	Print    bool
}

// Preview opens the blocker page exactly as a redirect for username would.
func (c BlocklistCmd) Preview(ctx context.Context, in PreviewInput) error {
	username, err := requireUsername(in.Username)
	if err != nil {
		return err
	}
	settings, err := c.svc.Settings(ctx)
	if err != nil {
		return err
	}
	resp, err := c.svc.Send(ctx, profileblock.Request{Type: profileblock.GetRedirectDelay, Username: username})
	if err := responseError(resp, err); err != nil {
		return err
	}
	target := profileblock.BuildBlockerURL(settings.BlockerPageURL, username,
		lo.FromPtrOr(resp.Delay, settings.RedirectDelay), settings.BlockedMessage)
	if in.Print {
		_, err := fmt.Fprintln(c.out, target)
		return err
	}
	c.info().Printf("Opening %s\n", target)
	return c.open(target)
}

func (c BlocklistCmd) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}

func (c BlocklistCmd) printTable(rows pterm.TableData) error {
	return pterm.DefaultTable.WithHasHeader().WithWriter(c.out).WithData(rows).Render()
}

func (c BlocklistCmd) info() *pterm.PrefixPrinter    { return pterm.Info.WithWriter(c.out) }
func (c BlocklistCmd) success() *pterm.PrefixPrinter { return pterm.Success.WithWriter(c.out) }
func (c BlocklistCmd) warning() *pterm.PrefixPrinter { return pterm.Warning.WithWriter(c.out) }

func checkOutput(output string) error {
	if output != "" && output != "json" {
		return fmt.Errorf("unsupported --output value: use 'json'")
	}
	return nil
}

func requireUsername(raw string) (string, error) {
	username := profileblock.CanonicalUsername(raw)
	if !profileblock.ValidUsername(username) {
		return "", fmt.Errorf("invalid username %q", raw)
	}
	return username, nil
}

// responseError folds a transport error and an in-band failure into one.
func responseError(resp profileblock.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.Success != nil && !*resp.Success {
		return fmt.Errorf("request failed: %s", lo.Ternary(resp.Error == "", "unknown error", resp.Error))
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

// relativeDate renders how long ago t was, in days, weeks, months or years.
func relativeDate(now, t time.Time) string {
	days := int(now.Sub(t).Hours() / 24)
	plural := func(n int, unit string) string {
		return fmt.Sprintf("%d %s ago", n, lo.Ternary(n == 1, unit, unit+"s"))
	}
	switch {
	case days <= 0:
		return "today"
	case days == 1:
		return "yesterday"
	case days < 7:
		return fmt.Sprintf("%d days ago", days)
	case days < 30:
		return plural(days/7, "week")
	case days < 365:
		return plural(days/30, "month")
	default:
		return plural(days/365, "year")
	}
}
