package commands

import "github.com/spf13/cobra"

// NewRootCmd assembles the command tree
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobescrow",
		Short:         "Escrowed job agreements between clients and providers",
		Long:          "Negotiate jobs, fund their escrow from a connected wallet and release it when the work is done.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			resolveUser()
		},
	}

	root.PersistentFlags().StringVar(&ConfigPath, "config", "", "Config file (default ~/.jobescrow/config.yaml)")
	root.PersistentFlags().StringVar(&UserID, "user", "", "User ID to act as (default $JOBESCROW_USER)")
	root.PersistentFlags().StringVarP(&OutputFormat, "output", "o", "", "Output format: json or plain")

	root.AddCommand(NewConfigCmd())
	root.AddCommand(NewUserCmd())
	root.AddCommand(NewWalletCmd())
	root.AddCommand(NewEscrowCmd())
	root.AddCommand(NewPriceCmd())
	root.AddCommand(NewJobCmd())
	root.AddCommand(NewServeCmd())
	root.AddCommand(NewVersionCmd())
	return root
}
