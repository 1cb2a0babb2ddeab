package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	wden "github.com/luryus/wden"
)

// loginCmd stores the account's personal API key in the profile,
// encrypted under keys derived from the master password. API-key logins
// bypass captcha and two-factor challenges.
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an API key for captcha-free logins",
	Long: `Verify and store the account's personal API key in the profile.
The key is encrypted at rest under keys derived from the master password;
the master password itself is never stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLogin()
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin() error {
	data, err := loadProfile()
	if err != nil {
		return err
	}

	clientID, err := promptLine("client_id")
	if err != nil {
		return err
	}
	clientSecret, err := promptSecret("client_secret")
	if err != nil {
		return err
	}
	defer wipeBytes(clientSecret)
	password, err := promptSecret("Master password")
	if err != nil {
		return err
	}
	defer wipeBytes(password)

	key := &wden.APIKey{
		Email:        data.Email,
		ClientID:     clientID,
		ClientSecret: string(clientSecret),
	}

	app, err := buildApp(data)
	if err != nil {
		return err
	}
	defer app.Close()

	// Verify the credentials before storing anything.
	if err := app.LoginWithAPIKey(context.Background(), key, password); err != nil {
		return fmt.Errorf("verifying api key: %w", err)
	}

	encrypted, err := wden.EncryptAPIKey(key, profileName, data.Email, password)
	if err != nil {
		return err
	}
	data.APIKey = encrypted

	if kdf, ok := app.Lifecycle().Session().Token.KdfConfig(); ok {
		data.Kdf = &kdf
	}

	if err := profileStore.Save(profileName, data); err != nil {
		return err
	}
	fmt.Println("API key verified and stored.")
	return nil
}
