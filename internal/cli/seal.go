package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/railzwaylabs/dirsync/internal/config"
	"github.com/railzwaylabs/dirsync/internal/cryptoutils"
	"github.com/spf13/cobra"
)

func newSealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Seal a connector API key read from stdin for use as api_key_sealed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			box, err := cryptoutils.NewBox(config.Load().ConnectorSecretKey)
			if err != nil {
				return err
			}
			if box == nil {
				return cryptoutils.ErrNoKey
			}

			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read api key: %w", err)
			}
			sealed, err := box.Seal(strings.TrimSpace(line))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
