package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	wden "github.com/luryus/wden"
	"github.com/luryus/wden/profile"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Manage passphrase-sealed vault exports",
	Long: `Manage vault exports. An export is a snapshot of the decrypted vault
sealed under a standalone passphrase, so it stays readable after a master
password change.`,
}

var exportCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Export the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExportCreate(args[0])
	},
}

var exportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored exports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExportList()
	},
}

var exportShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show the item names inside an export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExportShow(args[0])
	},
}

var exportDeleteCmd = &cobra.Command{
	Use:   "delete <export-id>",
	Short: "Delete an export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExportDelete(args[0])
	},
}

func init() {
	exportCmd.AddCommand(exportCreateCmd, exportListCmd, exportShowCmd, exportDeleteCmd)
	rootCmd.AddCommand(exportCmd)
}

// openExporter builds an App for the profile and returns its exporter.
func openExporter() (*wden.App, *profile.Data, error) {
	data, err := loadProfile()
	if err != nil {
		return nil, nil, err
	}
	app, err := buildApp(data)
	if err != nil {
		return nil, nil, err
	}
	if app.Exporter() == nil {
		app.Close()
		return nil, nil, fmt.Errorf("profile has no cache store; exports need one (recreate with --cache-type)")
	}
	return app, data, nil
}

func runExportCreate(name string) error {
	app, data, err := openExporter()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := context.Background()
	if data.APIKey != nil {
		password, err := promptSecret("Master password")
		if err != nil {
			return err
		}
		defer wipeBytes(password)
		key, err := wden.DecryptAPIKey(data.APIKey, profileName, data.Email, password)
		if err != nil {
			return err
		}
		if err := app.LoginWithAPIKey(ctx, key, password); err != nil {
			return err
		}
	} else {
		if err := terminalLogin(ctx, app, data); err != nil {
			return err
		}
	}
	defer app.Logout()

	if err := app.Sync(ctx); err != nil {
		return err
	}

	passphrase, err := promptSecret("Export passphrase")
	if err != nil {
		return err
	}
	defer wipeBytes(passphrase)
	confirm, err := promptSecret("Confirm passphrase")
	if err != nil {
		return err
	}
	defer wipeBytes(confirm)
	if string(passphrase) != string(confirm) {
		return fmt.Errorf("passphrases do not match")
	}

	exportID, err := app.Export(ctx, name, passphrase)
	if err != nil {
		return err
	}
	fmt.Printf("Export %q written (id %s)\n", name, exportID)
	return nil
}

func runExportList() error {
	app, _, err := openExporter()
	if err != nil {
		return err
	}
	defer app.Close()

	exports, err := app.Exporter().List()
	if err != nil {
		return err
	}
	if len(exports) == 0 {
		fmt.Println("No exports.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tSIZE\tVALID")
	for _, export := range exports {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\n",
			export.ExportID,
			export.ExportTimestamp.Format("2006-01-02 15:04"),
			export.FileSize,
			export.IsValid,
		)
	}
	return w.Flush()
}

func runExportShow(name string) error {
	app, _, err := openExporter()
	if err != nil {
		return err
	}
	defer app.Close()

	passphrase, err := promptSecret("Export passphrase")
	if err != nil {
		return err
	}
	defer wipeBytes(passphrase)

	payload, err := app.Exporter().Import(name, passphrase)
	if err != nil {
		return err
	}
	defer func() {
		for i := range payload.Items {
			payload.Items[i].Wipe()
		}
	}()

	fmt.Printf("Export of %s, taken %s, %d items:\n",
		payload.Email, payload.ExportedAt.Format("2006-01-02 15:04"), len(payload.Items))
	for _, item := range payload.Items {
		fmt.Printf("  %s (%s)\n", item.Name, item.Kind)
	}
	return nil
}

func runExportDelete(exportID string) error {
	app, _, err := openExporter()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Exporter().Delete(exportID); err != nil {
		return err
	}
	fmt.Printf("Export %s deleted\n", exportID)
	return nil
}
