package cli

import (
	"context"
	"strconv"

	"github.com/agentworkforce/profileguard/internal/profileblock"
	"github.com/pterm/pterm"
)

type SettingsGetInput struct {
	Output string
}

func (c BlocklistCmd) SettingsGet(ctx context.Context, in SettingsGetInput) error {
	if err := checkOutput(in.Output); err != nil {
		return err
	}
	settings, err := c.svc.Settings(ctx)
	if err != nil {
		return err
	}
	if in.Output == "json" {
		return c.printJSON(settings)
	}
	return c.printSettings(settings)
}

// SettingsSetInput carries only the fields the user asked to change.
type SettingsSetInput struct {
	Patch  profileblock.SettingsPatch
	Output string
}

func (c BlocklistCmd) SettingsSet(ctx context.Context, in SettingsSetInput) error {
	if err := checkOutput(in.Output); err != nil {
		return err
	}
	p := in.Patch
	if p.RedirectDelay == nil && p.BlockerPageURL == nil && p.RedirectTarget == nil && p.EnableIncognito == nil && p.BlockedMessage == nil {
		c.info().Println("Nothing to update")
		return nil
	}
	settings, err := c.svc.UpdateSettings(ctx, p)
	if err != nil {
		return err
	}
	if in.Output == "json" {
		return c.printJSON(settings)
	}
	c.success().Println("Settings saved")
	return c.printSettings(settings)
}

func (c BlocklistCmd) printSettings(s profileblock.Settings) error {
	return c.printTable(pterm.TableData{
		{"Setting", "Value"},
		{"Redirect Delay", strconv.Itoa(s.RedirectDelay) + "s"},
		{"Blocker Page", s.BlockerPageURL},
		{"Redirect Target", s.RedirectTarget},
		{"Blocked Message", s.BlockedMessage},
		{"Incognito", strconv.FormatBool(s.EnableIncognito)},
	})
}
