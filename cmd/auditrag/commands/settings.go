package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kestrel-audit/auditrag-go/internal/logging"
	"github.com/kestrel-audit/auditrag-go/internal/settings"
)

// NewSettingsCmd constructs the `auditrag settings` command, which shows and
// changes the runtime generation settings. The server reads them fresh on
// every call, so a change takes effect without a restart.
func NewSettingsCmd() *cobra.Command {
	var sets []string

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change runtime generation settings",
		Long: `Show or change the runtime generation settings stored in the local database.

Without flags the resolved settings are printed. Each --set key=value pair
is validated and applied before printing. Valid keys: model, temperature,
pricing_model, prompt_mode, prompt_hint, prompt_aet, prompt_general.

Examples:
  auditrag settings
  auditrag settings --set model=GPT-4.1 --set temperature=0.2
  auditrag settings --set prompt_mode=general_only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			store, err := openSettings(log)
			if err != nil {
				return fmt.Errorf("settings: %w", err)
			}
			defer func() { _ = store.Close() }()

			if len(sets) > 0 {
				values, err := parseSettingArgs(sets)
				if err != nil {
					return err
				}
				if err := store.Update(ctx, values); err != nil {
					return err
				}
			}

			gen, err := store.Generation(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-14s %s\n", settings.KeyModel+":", gen.Model)
			fmt.Printf("%-14s %.2f\n", settings.KeyTemperature+":", gen.Temperature)
			fmt.Printf("%-14s %s\n", settings.KeyPricingModel+":", gen.PricingName())
			fmt.Printf("%-14s %s\n", settings.KeyPromptMode+":", gen.PromptMode)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "Setting to change as key=value (repeatable)")

	return cmd
}

// parseSettingArgs turns --set key=value pairs into an update map. Values may
// contain '=' (prompt templates often do); only the first one splits.
func parseSettingArgs(pairs []string) (map[string]string, error) {
	values := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("settings: malformed --set %q, want key=value", p)
		}
		values[key] = value
	}
	return values, nil
}
