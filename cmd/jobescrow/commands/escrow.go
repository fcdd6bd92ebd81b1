package commands

import (
	"context"
	"errors"
	"fmt"

	"cosmossdk.io/math"
	"github.com/spf13/cobra"

	"github.com/canwork/jobescrow/internal/escrow"
	"github.com/canwork/jobescrow/pkg/types"
)

// NewEscrowCmd creates the escrow command group. These commands move funds
// directly; job commands go through the job flow instead.
func NewEscrowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow",
		Short: "Send escrow deposits and releases with the connected wallet",
	}
	cmd.AddCommand(newEscrowFundCmd())
	cmd.AddCommand(newEscrowReleaseCmd())
	cmd.AddCommand(newEscrowDepositCmd())
	return cmd
}

// signingCallbacks reports progress of one transfer on the terminal
func signingCallbacks() escrow.Callbacks {
	return escrow.Callbacks{
		BeforeSign: func() { Info("Approve the transaction in your wallet") },
		OnSuccess:  func(r escrow.Receipt) { Success("Transaction broadcast: " + r.TxHash) },
		OnFailure:  func(reason string) { Error("Transfer failed: " + reason) },
	}
}

func outcomeErr(out escrow.Outcome) error {
	if out.Succeeded() {
		return nil
	}
	if out.Err != nil {
		return fmt.Errorf("%s: %w", out.Reason, out.Err)
	}
	return errors.New(out.Reason)
}

func newEscrowFundCmd() *cobra.Command {
	var (
		jobID    string
		provider string
		asset    string
		usd      string
		amount   string
	)
	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Deposit a job budget into escrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (usd == "") == (amount == "") {
				return errors.New("exactly one of --usd or --amount is required")
			}
			return withApp(func(a *app) error {
				ctx := cmd.Context()
				if asset == "" {
					asset = a.cfg.Escrow.Token
				}
				atomic, err := fundAmount(ctx, a, asset, usd, amount)
				if err != nil {
					return err
				}
				o, err := a.orchestrator(ctx)
				if err != nil {
					return err
				}
				Info(fmt.Sprintf("Escrowing %s %s for job %s", FormatAmount(atomic, ""), asset, jobID))
				out := o.EscrowFunds(ctx, escrow.PaymentSummary{
					JobID:           jobID,
					ProviderAddress: provider,
					Asset:           asset,
					AmountAtomic:    atomic,
				}, signingCallbacks())
				return outcomeErr(out)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "Job ID")
	cmd.Flags().StringVar(&provider, "provider-address", "", "Provider wallet address named in the memo")
	cmd.Flags().StringVar(&asset, "asset", "", "Asset symbol (default from config)")
	cmd.Flags().StringVar(&usd, "usd", "", "Budget in USD, converted at the current price")
	cmd.Flags().StringVar(&amount, "amount", "", "Amount in asset units, e.g. 12.5")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("provider-address")
	return cmd
}

func fundAmount(ctx context.Context, a *app, asset, usd, amount string) (int64, error) {
	if amount != "" {
		return types.ParseAtomic(amount)
	}
	dec, err := math.LegacyNewDecFromStr(usd)
	if err != nil {
		return 0, fmt.Errorf("invalid --usd: %w", err)
	}
	p, err := a.prices()
	if err != nil {
		return 0, err
	}
	return p.USDToAtomic(ctx, asset, dec)
}

func newEscrowReleaseCmd() *cobra.Command {
	var (
		jobID string
		smart bool
	)
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release a job's escrow to the provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx := cmd.Context()
				o, err := a.orchestrator(ctx)
				if err != nil {
					return err
				}
				var out escrow.Outcome
				if smart {
					out = o.ReleaseSmartChain(ctx, jobID, signingCallbacks())
				} else {
					out = o.ReleaseFunds(ctx, jobID, signingCallbacks())
				}
				return outcomeErr(out)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "Job ID")
	cmd.Flags().BoolVar(&smart, "smart-chain", false, "Release through the smart chain escrow contract")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func newEscrowDepositCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <job-id>",
		Short: "Show the smart chain escrow deposit for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				s, err := a.smartChain(cmd.Context())
				if err != nil {
					return err
				}
				d, err := s.Deposit(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if printed, err := printJSON(d); printed || err != nil {
					return err
				}
				fmt.Println(StatusBox("Deposit "+args[0], [][2]string{
					{"Client", d.Client.Hex()},
					{"Provider", d.Provider.Hex()},
					{"Amount", d.Amount.String()},
					{"Released", fmt.Sprint(d.Released)},
				}))
				return nil
			})
		},
	}
}

// NewPriceCmd converts between USD and an asset at the current gateway price
func NewPriceCmd() *cobra.Command {
	var usd string
	cmd := &cobra.Command{
		Use:   "price <asset>",
		Short: "Show an asset's USD price, or convert a USD budget into it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx := cmd.Context()
				p, err := a.prices()
				if err != nil {
					return err
				}
				asset := args[0]
				price, err := p.PriceUSD(ctx, asset)
				if err != nil {
					return err
				}
				fields := [][2]string{{"Price", "$" + price.String()}}
				if usd != "" {
					dec, err := math.LegacyNewDecFromStr(usd)
					if err != nil {
						return fmt.Errorf("invalid --usd: %w", err)
					}
					atomic, err := p.USDToAtomic(ctx, asset, dec)
					if err != nil {
						return err
					}
					fields = append(fields, [2]string{FormatUSD(dec, ""), FormatAmount(atomic, asset)})
				}
				fmt.Println(StatusBox(asset, fields))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&usd, "usd", "", "USD amount to convert")
	return cmd
}
