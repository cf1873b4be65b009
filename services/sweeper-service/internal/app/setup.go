package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/backup"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/db"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Setup database and create a development account",
	Long:  "Creates the credential store and backup document tables and inserts an account for development/testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		if err := db.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		fmt.Println("Running migrations...")
		for _, schema := range []string{db.AccountsSchema, backup.DocumentSchema} {
			if _, err := db.Pool.Exec(ctx, schema); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		acct := models.Account{}
		acct.ID, _ = cmd.Flags().GetString("dev-account")
		acct.SessionHandle, _ = cmd.Flags().GetString("dev-session")

		fmt.Println("Inserting development account...")
		if err := db.NewAccountStore(db.Pool).UpsertAccount(ctx, acct); err != nil {
			return err
		}

		fmt.Printf("✓ Database setup complete. Development account: %s (session %s)\n", acct.ID, acct.SessionHandle)
		return nil
	},
}

func init() {
	setupCmd.Flags().String("dev-account", "dev", "Id of the development account")
	setupCmd.Flags().String("dev-session", "dev-session", "Session handle of the development account, a bearer token of the mock platform")
	rootCmd.AddCommand(setupCmd)
}
