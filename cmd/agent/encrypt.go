package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"grist-agent/internal/infra/config"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt [value]",
	Short: "Encrypt a secret for use as an enc: value in config.yaml",
	Long: `Encrypts a secret with the passphrase in GRISTAGENT_CONFIG_KEY. When no
argument is given the value is read from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase := os.Getenv(config.EnvPrefix + "CONFIG_KEY")
		if passphrase == "" {
			return fmt.Errorf("%sCONFIG_KEY is not set", config.EnvPrefix)
		}

		var value string
		if len(args) == 1 {
			value = args[0]
		} else {
			v, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			value = v
		}

		out, err := encryptSecret(value, passphrase)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

// encryptSecret returns value in the enc: form config.Load understands.
func encryptSecret(value, passphrase string) (string, error) {
	if value == "" {
		return "", errors.New("empty value")
	}
	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return "enc:" + enc, nil
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read value: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
