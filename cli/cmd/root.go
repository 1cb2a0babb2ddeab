package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	wden "github.com/luryus/wden"
	"github.com/luryus/wden/profile"
	"github.com/luryus/wden/tui"
)

var (
	profileName string
	profilesDir string
	verbose     bool

	profileStore *profile.Store
	log          zerolog.Logger
)

// rootCmd opens the vault TUI for the selected profile.
var rootCmd = &cobra.Command{
	Use:   "wden",
	Short: "A terminal client for Bitwarden-compatible servers",
	Long: `A read-only terminal client for Bitwarden-compatible servers.
Vault data is decrypted in memory only; locking the vault wipes every
derived key and plaintext item.`,
	SilenceUsage:      true,
	PersistentPreRunE: initialize,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVault()
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "default", "profile to use")
	rootCmd.PersistentFlags().StringVar(&profilesDir, "profiles-dir", "", "profile directory (default is the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	bindFlagOrPanic("profile", "profile")
	bindFlagOrPanic("profiles_dir", "profiles-dir")
	bindFlagOrPanic("verbose", "verbose")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("WDEN")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

func initialize(cmd *cobra.Command, args []string) error {
	level := zerolog.WarnLevel
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	dir := viper.GetString("profiles_dir")
	if dir == "" {
		var err error
		if dir, err = profile.DefaultDir(); err != nil {
			return err
		}
	}

	var err error
	profileStore, err = profile.NewStore(dir)
	if err != nil {
		return err
	}
	profileName = viper.GetString("profile")
	return nil
}

// loadProfile reads the selected profile, with a pointer at profile
// create when it does not exist.
func loadProfile() (*profile.Data, error) {
	exists, err := profileStore.Exists(profileName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("profile %q does not exist; create it with: wden profile create %s --email <email>", profileName, profileName)
	}
	return profileStore.Load(profileName)
}

// buildApp assembles an App from the profile.
func buildApp(data *profile.Data) (*wden.App, error) {
	app, err := wden.NewApp(profileName, data.DeviceID, data.Server, data.Options, log)
	if err != nil {
		return nil, err
	}
	if data.TwoFactorToken != "" {
		app.SetRememberedTwoFactor(data.TwoFactorToken)
	}
	return app, nil
}

func runVault() error {
	data, err := loadProfile()
	if err != nil {
		return err
	}

	app, err := buildApp(data)
	if err != nil {
		return err
	}
	defer app.Close()

	persistRemember := func(token string) error {
		data.TwoFactorToken = token
		return profileStore.Save(profileName, data)
	}

	// A stored API key is the supported way around captcha and
	// two-factor; authenticate with it up front so the UI opens straight
	// on the vault.
	if data.APIKey != nil {
		if err := apiKeyLogin(app, data); err != nil {
			return err
		}
	}

	return tui.Run(app, data.Email, persistRemember)
}

// apiKeyLogin unseals the stored API key with the master password and
// authenticates. When the identity server is unreachable it falls back
// to the persisted session, so the vault still opens offline.
func apiKeyLogin(app *wden.App, data *profile.Data) error {
	password, err := promptSecret("Master password")
	if err != nil {
		return err
	}
	defer wipeBytes(password)

	key, err := wden.DecryptAPIKey(data.APIKey, profileName, data.Email, password)
	if err != nil {
		if errors.Is(err, wden.ErrMacMismatch) {
			return fmt.Errorf("invalid master password")
		}
		return err
	}

	if err := app.LoginWithAPIKey(context.Background(), key, password); err != nil {
		var netErr *wden.NetworkError
		if errors.As(err, &netErr) {
			if ok, resumeErr := app.ResumeSession(password); resumeErr == nil && ok {
				return nil
			}
		}
		return err
	}
	return nil
}
