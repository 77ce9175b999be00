package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/gmailer/internal/ledger"
)

func newLedgerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the sent-message ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Print the number of recorded messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, err := newLedgerBackend(a.cfg)
			if err != nil {
				return err
			}
			led := ledger.New(backend, a.logger)
			defer led.Close()

			ids := led.LoadIdentifiers(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", len(ids), a.cfg.LedgerPath())
			return nil
		},
	})
	return cmd
}
