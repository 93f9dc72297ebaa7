package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and fund ledger table accounts",
}

var ledgerDepositCmd = &cobra.Command{
	Use:   "deposit <wallet> <amount>",
	Short: "Credit a wallet in the ledger table",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil || !amount.IsPositive() {
			return errors.Errorf("invalid amount %q", args[1])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.ledger.Deposit(cmd.Context(), args[0], amount); err != nil {
			return err
		}
		balance, err := a.ledger.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %s\n", args[0], balance)
		return nil
	},
}

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance <wallet>",
	Short: "Print a wallet balance from the ledger table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		balance, err := a.ledger.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %s\n", args[0], balance)
		return nil
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerDepositCmd, ledgerBalanceCmd)
	rootCmd.AddCommand(ledgerCmd)
}
