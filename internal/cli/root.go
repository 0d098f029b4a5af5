// Package cli implements the profileblock management commands.
package cli

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentworkforce/profileguard/internal/config"
	"github.com/agentworkforce/profileguard/internal/pagelink"
	"github.com/agentworkforce/profileguard/internal/profileblock"
	"github.com/pkg/browser"
	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "profileblock",
	Short:         "Manage blocked Instagram profiles",
	Long:          "Block, unblock and inspect profiles guarded by a running profileblockd",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var blockCmd = &cobra.Command{
	Use:   "block <username>",
	Short: "Block a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlock,
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <username>",
	Short: "Unblock a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnblock,
}

var checkCmd = &cobra.Command{
	Use:   "check <username>",
	Short: "Show whether a profile is blocked and its redirect delay",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List blocked profiles, newest first",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var delayCmd = &cobra.Command{
	Use:   "delay <username> <seconds|default>",
	Short: "Set or clear a profile's custom redirect delay",
	Args:  cobra.ExactArgs(2),
	RunE:  runDelay,
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change blocker settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show current settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change settings",
	Long:  "Change settings; only the flags given are updated",
	Args:  cobra.NoArgs,
	RunE:  runSettingsSet,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the blocklist and settings to a backup file",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge a backup file into the blocklist",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every blocked profile",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

var tabsCmd = &cobra.Command{
	Use:   "tabs",
	Short: "List tabs connected to the daemon",
	Args:  cobra.NoArgs,
	RunE:  runTabs,
}

var previewCmd = &cobra.Command{
	Use:   "preview <username>",
	Short: "Open the blocker page a redirect for this profile would show",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default $PROFILEBLOCK_CONFIG or ./profileblock.yaml)")
	rootCmd.PersistentFlags().String("base-url", "", "profileblockd base URL (default base_url from config, $PROFILEBLOCK_BASE_URL or http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().String("token", "", "bearer token (default token from config or $PROFILEBLOCK_TOKEN)")
	rootCmd.PersistentFlags().Duration("timeout", 15*time.Second, "request timeout")

	for _, c := range []*cobra.Command{blockCmd, unblockCmd, checkCmd, listCmd, settingsGetCmd, settingsSetCmd, tabsCmd} {
		c.Flags().StringP("output", "o", "", "Output format: json for raw API response")
	}
	blockCmd.Flags().String("url", "", "profile URL to record as the block source")

	settingsSetCmd.Flags().Int("delay", 0, "redirect delay in seconds")
	settingsSetCmd.Flags().String("blocker-url", "", "blocker page URL")
	settingsSetCmd.Flags().String("redirect-target", "", "where the blocker page sends the user afterwards")
	settingsSetCmd.Flags().String("message", "", "message shown on the blocker page")
	settingsSetCmd.Flags().Bool("incognito", true, "open the blocker page in incognito")
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)

	exportCmd.Flags().StringP("file", "f", "", "output file, - for stdout (default instagram-blocker-backup-<ms>.json)")
	clearCmd.Flags().BoolP("yes", "y", false, "skip confirmation")
	previewCmd.Flags().Bool("print", false, "print the URL instead of opening it")

	rootCmd.AddCommand(blockCmd, unblockCmd, checkCmd, listCmd, delayCmd, settingsCmd, exportCmd, importCmd, clearCmd, tabsCmd, previewCmd)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := config.LoadDotEnv(); err != nil {
		pterm.Warning.Printf("ignoring .env: %v\n", err)
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		pterm.Error.Println(err.Error())
		return 1
	}
	return 0
}

func newBlocklistCmd(cmd *cobra.Command) (BlocklistCmd, error) {
	client, err := getClient(cmd)
	if err != nil {
		return BlocklistCmd{}, err
	}
	return NewBlocklistCmd(client, cmd.OutOrStdout()), nil
}

// getClient builds the daemon client. base_url and token come from the
// config file and PROFILEBLOCK_* variables; --base-url and --token win.
func getClient(cmd *cobra.Command) (*pagelink.HTTPClient, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(lo.CoalesceOrEmpty(strings.TrimSpace(configPath), strings.TrimSpace(os.Getenv("PROFILEBLOCK_CONFIG"))))
	if err != nil {
		return nil, err
	}
	baseURL, _ := cmd.Flags().GetString("base-url")
	token, _ := cmd.Flags().GetString("token")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	baseURL = lo.CoalesceOrEmpty(strings.TrimSpace(baseURL), strings.TrimSpace(cfg.BaseURL))
	token = lo.CoalesceOrEmpty(strings.TrimSpace(token), strings.TrimSpace(cfg.Token))
	return pagelink.NewHTTPClient(baseURL, token, &http.Client{Timeout: timeout}), nil
}

func runBlock(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	profileURL, _ := cmd.Flags().GetString("url")
	c, err := newBlocklistCmd(cmd)
	if err != nil {
		return err
	}
	return c.Block(cmd.Context(), UserInput{Username: args[0], ProfileURL: profileURL, Output: output})
}

func runUnblock(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	c, err := newBlocklistCmd(cmd)
	if err != nil {
		return err
	}
	return c.Unblock(cmd.Context(), UserInput{Username: args[0], Output: output})
}

func runCheck(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	c, err := newBlocklistCmd(cmd)
	if err != nil {
		return err
	}
	return c.Check(cmd.Context(), UserInput{Username: args[0], Output: output})
}

func runList(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	c, err := newBlocklistCmd(cmd)
	if err != nil {
		return err
	}
	return c.List(cmd.Context(), ListInput{Output: output})
}

func runDelay(cmd *cobra.Command, args []string) error {
	c, err := newBlocklistCmd(cmd)
	if err != nil {
		return err
	}
	return c.Delay(cmd.Context(), DelayInput{Username: args[0], Value: args[1]})
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	c, err := newBlocklistCmd(cmd)
	if err != nil {
		return err
	}
	return c.SettingsGet(cmd.Context(), SettingsGetInput{Output: output})
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	c, err := newBlocklistCmd(cmd)
	if err != nil {
		return err
	}
	return c.SettingsSet(cmd.Context(), SettingsSetInput{Patch: settingsPatchFromFlags(cmd), Output: output})
}

// settingsPatchFromFlags maps the flags the user actually set onto a patch.
func settingsPatchFromFlags(cmd *cobra.Command) profileblock.SettingsPatch {
	var patch profileblock.SettingsPatch
	flags := cmd.Flags()
	if flags.Changed("delay") {
		delay, _ := flags.GetInt("delay")
		patch.RedirectDelay = lo.ToPtr(delay)
	}
	if flags.Changed("blocker-url") {
		v, _ := flags.GetString("blocker-url")
		patch.BlockerPageURL = lo.ToPtr(v)
	}
	if flags.Changed("redirect-target") {
		v, _ := flags.GetString("redirect-target")
		patch.RedirectTarget = lo.ToPtr(v)
	}
	if flags.Changed("message") {
		v, _ := flags.GetString("message")
		patch.BlockedMessage = lo.ToPtr(v)
	}
	if flags.Changed("incognito") {
		v, _ := flags.GetBool("incognito")
		patch.EnableIncognito = lo.ToPtr(v)
	}
	return patch
}

func runExport(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	c, err := newBlocklistCmd(cmd)
	if err != nil {
		return err
	}
	return c.Export(cmd.Context(), ExportInput{File: file})
}

func runImport(cmd *cobra.Command, args []string) error {
	c, err := newBlocklistCmd(cmd)
	if err != nil {
		return err
	}
	return c.Import(cmd.Context(), ImportInput{File: args[0]})
}

func runClear(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	c, err := newBlocklistCmd(cmd)
	if err != nil {
		return err
	}
	return c.Clear(cmd.Context(), ClearInput{Yes: yes})
}

func runTabs(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	c, err := newBlocklistCmd(cmd)
	if err != nil {
		return err
	}
	return c.Tabs(cmd.Context(), TabsInput{Output: output})
}

func runPreview(cmd *cobra.Command, args []string) error {
	printOnly, _ := cmd.Flags().GetBool("print")
	c, err := newBlocklistCmd(cmd)
	if err != nil {
		return err
	}
	return c.Preview(cmd.Context(), PreviewInput{Username: args[0], Print: printOnly})
}

func interactiveConfirm(prompt string) (bool, error) {
	return pterm.DefaultInteractiveConfirm.WithDefaultValue(false).Show(prompt)
}

func openInBrowser(url string) error {
	return browser.OpenURL(url)
}
