package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	wden "github.com/luryus/wden"
	"github.com/luryus/wden/audit"
	"github.com/luryus/wden/persist"
	"github.com/luryus/wden/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage connection profiles",
	Long:  `Manage connection profiles. A profile holds the server location, device identity and client options for one account.`,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProfileList()
	},
}

var profileCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProfileCreate(args[0])
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a profile",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := profileName
		if len(args) == 1 {
			name = args[0]
		}
		return runProfileShow(name)
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProfileDelete(args[0])
	},
}

var (
	profileEmail       string
	profileRegion      string
	profileServerURL   string
	profileAPIURL      string
	profileIdentityURL string
	profileBiometrics  bool
	profileAutoLock    time.Duration
	profileNoMemLock   bool

	profileCacheType   string
	profileCacheDir    string
	profileS3Endpoint  string
	profileS3Region    string
	profileS3Bucket    string
	profileS3Prefix    string
	profileS3AccessKey string
	profileS3SecretKey string
	profileS3UseSSL    bool

	profileAuditFile string

	profileDeleteForce bool
)

func init() {
	profileCreateCmd.Flags().StringVar(&profileEmail, "email", "", "account email (required)")
	profileCreateCmd.Flags().StringVar(&profileRegion, "region", "us", "Bitwarden cloud region (us, eu)")
	profileCreateCmd.Flags().StringVar(&profileServerURL, "server", "", "self-hosted server base URL")
	profileCreateCmd.Flags().StringVar(&profileAPIURL, "api-url", "", "separate API base URL")
	profileCreateCmd.Flags().StringVar(&profileIdentityURL, "identity-url", "", "separate identity base URL")
	profileCreateCmd.Flags().BoolVar(&profileBiometrics, "biometrics", false, "enable biometric unlock via key escrow")
	profileCreateCmd.Flags().DurationVar(&profileAutoLock, "auto-lock", 15*time.Minute, "inactivity window before the vault locks (0 disables)")
	profileCreateCmd.Flags().BoolVar(&profileNoMemLock, "no-memory-lock", false, "skip locking process memory")

	profileCreateCmd.Flags().StringVar(&profileCacheType, "cache-type", "filesystem", "offline cache backend (filesystem, s3, none)")
	profileCreateCmd.Flags().StringVar(&profileCacheDir, "cache-dir", "", "filesystem cache directory")
	profileCreateCmd.Flags().StringVar(&profileS3Endpoint, "s3-endpoint", "", "S3 endpoint URL")
	profileCreateCmd.Flags().StringVar(&profileS3Region, "s3-region", "", "S3 region")
	profileCreateCmd.Flags().StringVar(&profileS3Bucket, "s3-bucket", "", "S3 bucket name")
	profileCreateCmd.Flags().StringVar(&profileS3Prefix, "s3-prefix", "", "S3 key prefix")
	profileCreateCmd.Flags().StringVar(&profileS3AccessKey, "s3-access-key", "", "S3 access key ID")
	profileCreateCmd.Flags().StringVar(&profileS3SecretKey, "s3-secret-key", "", "S3 secret access key")
	profileCreateCmd.Flags().BoolVar(&profileS3UseSSL, "s3-use-ssl", true, "use SSL for S3 connections")

	profileCreateCmd.Flags().StringVar(&profileAuditFile, "audit-file", "", "audit log file (enables security audit logging)")

	profileDeleteCmd.Flags().BoolVarP(&profileDeleteForce, "force", "f", false, "delete without confirmation")

	profileCmd.AddCommand(profileListCmd, profileCreateCmd, profileShowCmd, profileDeleteCmd)
	rootCmd.AddCommand(profileCmd)
}

func runProfileList() error {
	names, err := profileStore.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No profiles. Create one with: wden profile create <name> --email <email>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tEMAIL\tSERVER")
	for _, name := range names {
		data, err := profileStore.Load(name)
		if err != nil {
			fmt.Fprintf(w, "%s\t(unreadable: %v)\t\n", name, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, data.Email, data.Server.String())
	}
	return w.Flush()
}

func runProfileCreate(name string) error {
	if profileEmail == "" {
		return fmt.Errorf("--email is required")
	}
	exists, err := profileStore.Exists(name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("profile %q already exists", name)
	}

	server, err := serverFromFlags()
	if err != nil {
		return err
	}

	data := profile.New(profileEmail, server)
	data.Options.Biometrics = profileBiometrics
	data.Options.AutoLockAfter = profileAutoLock
	data.Options.EnableMemoryLock = !profileNoMemLock

	cache, err := cacheFromFlags()
	if err != nil {
		return err
	}
	data.Options.Cache = cache

	if profileAuditFile != "" {
		data.Options.Audit = &audit.Config{
			Enabled:   true,
			ProfileID: name,
			Type:      audit.FileAuditType,
			Options:   map[string]interface{}{"file_path": profileAuditFile},
		}
	}

	if err := profileStore.Save(name, data); err != nil {
		return err
	}
	fmt.Printf("Profile %q created (device id %s)\n", name, data.DeviceID)
	return nil
}

func serverFromFlags() (wden.ServerConfig, error) {
	switch {
	case profileAPIURL != "" || profileIdentityURL != "":
		if profileAPIURL == "" || profileIdentityURL == "" {
			return wden.ServerConfig{}, fmt.Errorf("--api-url and --identity-url must be set together")
		}
		return wden.ServerConfig{APIURL: profileAPIURL, IdentityURL: profileIdentityURL}, nil
	case profileServerURL != "":
		return wden.ServerConfig{URL: profileServerURL}, nil
	case profileRegion == string(wden.CloudEU):
		return wden.ServerConfig{Region: wden.CloudEU}, nil
	case profileRegion == string(wden.CloudUS):
		return wden.ServerConfig{Region: wden.CloudUS}, nil
	default:
		return wden.ServerConfig{}, fmt.Errorf("unknown region %q", profileRegion)
	}
}

func cacheFromFlags() (*persist.StoreConfig, error) {
	switch profileCacheType {
	case "none":
		return nil, nil
	case "filesystem":
		dir := profileCacheDir
		if dir == "" {
			cacheRoot, err := os.UserCacheDir()
			if err != nil {
				return nil, fmt.Errorf("resolving cache directory: %w", err)
			}
			dir = filepath.Join(cacheRoot, "wden")
		}
		return &persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": dir},
		}, nil
	case "s3":
		if profileS3Bucket == "" || profileS3Endpoint == "" {
			return nil, fmt.Errorf("--s3-bucket and --s3-endpoint are required for the s3 cache")
		}
		return &persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          profileS3Endpoint,
				"region":            profileS3Region,
				"bucket":            profileS3Bucket,
				"key_prefix":        profileS3Prefix,
				"access_key_id":     profileS3AccessKey,
				"secret_access_key": profileS3SecretKey,
				"use_ssl":           profileS3UseSSL,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", profileCacheType)
	}
}

func runProfileShow(name string) error {
	data, err := profileStore.Load(name)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", name)
	fmt.Fprintf(w, "Email:\t%s\n", data.Email)
	fmt.Fprintf(w, "Server:\t%s\n", data.Server.String())
	fmt.Fprintf(w, "Device ID:\t%s\n", data.DeviceID)
	fmt.Fprintf(w, "Biometrics:\t%t\n", data.Options.Biometrics)
	fmt.Fprintf(w, "Auto-lock:\t%s\n", data.Options.AutoLockAfter)
	fmt.Fprintf(w, "API key stored:\t%t\n", data.APIKey != nil)
	fmt.Fprintf(w, "2FA remembered:\t%t\n", data.TwoFactorToken != "")
	if data.Kdf != nil {
		fmt.Fprintf(w, "KDF:\t%v (%d iterations)\n", data.Kdf.Function, data.Kdf.Iterations)
	}
	return w.Flush()
}

func runProfileDelete(name string) error {
	if !profileDeleteForce {
		fmt.Printf("Delete profile %q? This removes the device identity and any stored API key. [y/N]: ", name)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}
	if err := profileStore.Delete(name); err != nil {
		return err
	}
	fmt.Printf("Profile %q deleted\n", name)
	return nil
}
