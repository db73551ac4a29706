package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/config"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/settings"
)

var (
	settingsUpdate   settings.Settings
	settingsCurrency string
	currencyUpdate   settings.CurrencySettings
)

// settingsCmd groups the settings subcommands.
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage the QBO settings of the configured company",
}

// settingsSetCmd updates the settings of the configured realm.
var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set QBO account, vendor and tax code ids",
	Long: `Update the settings of the configured QBO company in the settings file.

Only the given flags change. The file is written only when the resulting
settings have every required id. With --currency the clearing account,
payout account and vendor flags set the overrides of that currency.

Example:
  stripe2qbo-sync settings set --clearing-account 10 --payout-account 11 \
    --vendor 12 --fee-account 13
  stripe2qbo-sync settings set --default-tax-code 5 --exempt-tax-code NON
  stripe2qbo-sync settings set --currency CAD --vendor 22`,
	Run: runSettingsSet,
}

func init() {
	flags := settingsSetCmd.Flags()
	flags.StringVar(&settingsCurrency, "currency", "", "Apply account and vendor flags to this currency")
	flags.StringVar(&currencyUpdate.ClearingAccountID, "clearing-account", "", "Stripe clearing bank account id")
	flags.StringVar(&currencyUpdate.PayoutAccountID, "payout-account", "", "Payout destination bank account id")
	flags.StringVar(&currencyUpdate.VendorID, "vendor", "", "Vendor id for Stripe fees")
	flags.StringVar(&settingsUpdate.FeeAccountID, "fee-account", "", "Expense account id for Stripe fees")
	flags.StringVar(&settingsUpdate.DefaultIncomeAccountID, "income-account", "", "Income account id for new items")
	flags.StringVar(&settingsUpdate.DefaultTaxCodeID, "default-tax-code", "", "Tax code id for taxed lines (or TAX)")
	flags.StringVar(&settingsUpdate.ExemptTaxCodeID, "exempt-tax-code", "", "Tax code id for untaxed lines (or NON)")

	settingsCmd.AddCommand(settingsSetCmd)
}

func runSettingsSet(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(getConfigFile())
	exitOnError(err, "failed to load configuration")

	if err := cfg.Validate([]string{"qbo", "realmId"}); err != nil {
		exitOnError(err, "invalid configuration")
	}

	update := settingsUpdate
	if settingsCurrency != "" {
		update.Currencies = map[string]settings.CurrencySettings{settingsCurrency: currencyUpdate}
	} else {
		update.ClearingAccountID = currencyUpdate.ClearingAccountID
		update.PayoutAccountID = currencyUpdate.PayoutAccountID
		update.VendorID = currencyUpdate.VendorID
	}

	path := cfg.Paths().GetSettingsFile()
	file, err := settings.LoadOrEmpty(path)
	exitOnError(err, "failed to load settings")

	s, err := file.Update(cfg.QBO.RealmID, update)
	exitOnError(err, "failed to update settings")
	exitOnError(file.Save(path), "failed to save settings")

	slog.Info("Settings saved", "path", path, "realm_id", cfg.QBO.RealmID)
	fmt.Printf("Settings for realm %s saved to %s\n", cfg.QBO.RealmID, path)
	fmt.Printf("  clearing account: %s\n", s.ClearingAccountID)
	fmt.Printf("  payout account:   %s\n", s.PayoutAccountID)
	fmt.Printf("  vendor:           %s\n", s.VendorID)
	fmt.Printf("  fee account:      %s\n", s.FeeAccountID)
	fmt.Printf("  tax codes:        %s / %s\n", orPseudo(s.DefaultTaxCodeID, settings.PseudoTaxCode), orPseudo(s.ExemptTaxCodeID, settings.PseudoExemptCode))
}

func orPseudo(id, pseudo string) string {
	if id == "" {
		return pseudo
	}
	return id
}
