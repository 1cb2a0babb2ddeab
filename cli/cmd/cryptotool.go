package cmd

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"

	wden "github.com/luryus/wden"
)

// cryptoToolCmd works on cipher strings offline: no server, no profile,
// just the account email, master password and the wrapped user key.
var cryptoToolCmd = &cobra.Command{
	Use:   "crypto-tool",
	Short: "Decrypt or encrypt cipher strings offline",
	Long: `Work on Bitwarden cipher strings without a server. Keys are derived
from the master password and the wrapped user key, exactly as during a
vault unlock.`,
}

var cryptoDecryptCmd = &cobra.Command{
	Use:   "decrypt <cipher-string>",
	Short: "Decrypt a cipher string",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCryptoDecrypt(args[0])
	},
}

var cryptoEncryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt stdin into a cipher string",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCryptoEncrypt()
	},
}

var (
	cryptoEmail       string
	cryptoUserKey     string
	cryptoPrivateKey  string
	cryptoKdf         string
	cryptoIterations  uint32
	cryptoMemory      uint32
	cryptoParallelism uint32
)

func init() {
	for _, c := range []*cobra.Command{cryptoDecryptCmd, cryptoEncryptCmd} {
		c.Flags().StringVar(&cryptoEmail, "email", "", "account email (KDF salt, required)")
		c.Flags().StringVar(&cryptoUserKey, "user-key", "", "wrapped user symmetric key cipher string (required)")
		c.Flags().StringVar(&cryptoKdf, "kdf", "pbkdf2", "key derivation function (pbkdf2, argon2id)")
		c.Flags().Uint32Var(&cryptoIterations, "iterations", 100000, "KDF iterations")
		c.Flags().Uint32Var(&cryptoMemory, "memory", 64, "Argon2id memory in MiB")
		c.Flags().Uint32Var(&cryptoParallelism, "parallelism", 4, "Argon2id parallelism")
	}
	cryptoDecryptCmd.Flags().StringVar(&cryptoPrivateKey, "private-key", "", "wrapped RSA private key cipher string, for RSA envelopes")

	cryptoToolCmd.AddCommand(cryptoDecryptCmd, cryptoEncryptCmd)
	rootCmd.AddCommand(cryptoToolCmd)
}

// cryptoUserKeys runs the unlock derivation chain: master key from the
// password, stretch, unwrap the user key.
func cryptoUserKeys() (*wden.EncMacKeys, error) {
	if cryptoEmail == "" || cryptoUserKey == "" {
		return nil, fmt.Errorf("--email and --user-key are required")
	}

	cfg := wden.KdfConfig{Function: wden.KdfPbkdf2, Iterations: cryptoIterations}
	if cryptoKdf == "argon2id" {
		cfg = wden.KdfConfig{
			Function:    wden.KdfArgon2id,
			Iterations:  cryptoIterations,
			MemoryMiB:   cryptoMemory,
			Parallelism: cryptoParallelism,
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	envelope, err := wden.ParseCipherString(cryptoUserKey)
	if err != nil {
		return nil, fmt.Errorf("parsing user key: %w", err)
	}

	password, err := promptSecret("Master password")
	if err != nil {
		return nil, err
	}
	defer wipeBytes(password)

	masterKey, err := wden.DeriveMasterKey(password, cryptoEmail, cfg)
	if err != nil {
		return nil, err
	}
	defer masterKey.Destroy()

	stretched, err := wden.StretchMasterKey(masterKey)
	if err != nil {
		return nil, err
	}
	defer stretched.Destroy()

	return wden.DecryptUserKey(envelope, stretched)
}

func runCryptoDecrypt(cipherString string) error {
	userKeys, err := cryptoUserKeys()
	if err != nil {
		return err
	}
	defer userKeys.Destroy()

	envelope, err := wden.ParseCipherString(cipherString)
	if err != nil {
		return err
	}

	var plain []byte
	if cryptoPrivateKey != "" {
		privEnvelope, err := wden.ParseCipherString(cryptoPrivateKey)
		if err != nil {
			return fmt.Errorf("parsing private key: %w", err)
		}
		privateKeyDER, err := privEnvelope.Decrypt(userKeys)
		if err != nil {
			return fmt.Errorf("decrypting private key: %w", err)
		}
		defer wipeBytes(privateKeyDER)
		plain, err = envelope.DecryptWithPrivateKey(privateKeyDER)
		if err != nil {
			return err
		}
	} else {
		plain, err = envelope.Decrypt(userKeys)
		if err != nil {
			return err
		}
	}
	defer wipeBytes(plain)

	fmt.Printf("Decrypted (base64):\n%s\n", base64.StdEncoding.EncodeToString(plain))
	if utf8.Valid(plain) {
		fmt.Printf("As string:\n%s\n", plain)
	}
	return nil
}

func runCryptoEncrypt() error {
	userKeys, err := cryptoUserKeys()
	if err != nil {
		return err
	}
	defer userKeys.Destroy()

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	defer wipeBytes(input)

	envelope, err := wden.Encrypt(input, userKeys)
	if err != nil {
		return err
	}
	fmt.Println(envelope.String())
	return nil
}
