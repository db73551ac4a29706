package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/config"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/db"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/settings"
)

// taxCodesCmd lists the QBO tax codes usable in settings.yaml.
var taxCodesCmd = &cobra.Command{
	Use:   "tax-codes",
	Short: "List the QBO sales tax codes",
	Long: `List the sales tax codes of the configured QBO company.

The ids can be used as default_tax_code_id and exempt_tax_code_id in the
settings file. The pseudo codes TAX and NON are always accepted.

Example:
  stripe2qbo-sync tax-codes`,
	Run: runTaxCodes,
}

func runTaxCodes(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	cfg, err := config.Load(getConfigFile())
	exitOnError(err, "failed to load configuration")

	if err := cfg.Validate(
		[]string{"qbo", "apiUrl"},
		[]string{"qbo", "realmId"},
		[]string{"qbo", "accessToken"},
	); err != nil {
		exitOnError(err, "invalid configuration")
	}

	conn, err := db.Open(cfg.Paths().GetDatabasePath())
	exitOnError(err, "failed to open database")
	defer conn.Close()

	client, err := newQBOClient(ctx, cfg, db.NewMetadata(conn))
	exitOnError(err, "failed to initialize QBO client")

	usingSalesTax, err := client.UsingSalesTax(ctx)
	exitOnError(err, "failed to read company preferences")
	if !usingSalesTax {
		fmt.Println("Sales tax is disabled for this company; tax codes are ignored.")
	}

	codes, err := client.ListTaxCodes(ctx)
	exitOnError(err, "failed to list tax codes")

	fmt.Println("\n=== Tax Codes ===")
	fmt.Printf("%-8s %-24s %s\n", "ID", "NAME", "DESCRIPTION")
	fmt.Printf("%-8s %-24s %s\n", settings.PseudoTaxCode, "(taxable)", "")
	fmt.Printf("%-8s %-24s %s\n", settings.PseudoExemptCode, "(non-taxable)", "")
	for _, code := range codes {
		fmt.Printf("%-8s %-24s %s\n", code.ID, code.Name, code.Description)
	}
	fmt.Println()
}
