package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/crmsync/am"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show and validate crmsync configuration",
	Long: `am - Show and validate crmsync configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (CRMSYNC_* prefix, e.g. CRMSYNC_SYNC_TOKEN)
2. Project config (nearest crmsync.toml, walking up)
3. User config (~/.crmsync/config.toml)
4. System config (/etc/crmsync/config.toml)
5. Default values

Examples:
  crmsync am show                    # Effective configuration as TOML
  crmsync am show --format yaml      # Every setting with its value and source
  crmsync am show --sources          # Table of settings and sources
  crmsync am validate                # Validate the effective configuration
  crmsync am where                   # Which config files were considered`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := am.Load(); err != nil {
			return err
		}
		for _, w := range am.Warnings() {
			pterm.Warning.Println(w)
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var (
	configFormat string
	showSources  bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amShowCmd.Flags().BoolVar(&showSources, "sources", false, "Show where each setting came from")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	for _, w := range am.Warnings() {
		pterm.Warning.Println(w)
	}

	if showSources {
		return renderSettings()
	}

	switch configFormat {
	case "toml":
		out, err := am.Render(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# crmsync configuration\n%s", out)
	case "json", "yaml":
		settings, err := am.Settings()
		if err != nil {
			return err
		}
		var data []byte
		if configFormat == "json" {
			data, err = json.MarshalIndent(settings, "", "  ")
			data = append(data, '\n')
		} else {
			data, err = yaml.Marshal(settings)
		}
		if err != nil {
			return fmt.Errorf("failed to marshal config to %s: %w", configFormat, err)
		}
		os.Stdout.Write(data)
	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func renderSettings() error {
	settings, err := am.Settings()
	if err != nil {
		return err
	}
	rows := pterm.TableData{{"Key", "Value", "Source", "From"}}
	for _, s := range settings {
		rows = append(rows, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	active := am.ActiveConfigFile()
	rows := pterm.TableData{{"Path", "Status"}}
	for _, path := range am.ConfigPaths() {
		status := "missing"
		if _, err := os.Stat(path); err == nil {
			status = "found"
		}
		if path == active {
			status = "active"
		}
		rows = append(rows, []string{path, status})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
