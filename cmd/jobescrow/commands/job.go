package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/canwork/jobescrow/internal/jobflow"
	"github.com/canwork/jobescrow/pkg/types"
)

// NewJobCmd creates the job command group
func NewJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Create jobs and act on them",
		Long: `Create jobs and take the actions their state allows.

Actions that move funds (enterEscrow, acceptFinish) sign with the connected
wallet and are only recorded once the transfer was broadcast.

Examples:
  jobescrow --user alice job create --provider bob --title "Logo" --budget 300
  jobescrow --user bob job actions <job-id>
  jobescrow --user bob job do <job-id> counterOffer --amount 500
  jobescrow --user alice job do <job-id> acceptTerms
  jobescrow --user alice job do <job-id> enterEscrow`,
	}
	cmd.AddCommand(newJobCreateCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobShowCmd())
	cmd.AddCommand(newJobActionsCmd())
	cmd.AddCommand(newJobDoCmd())
	cmd.AddCommand(newJobSelectBidCmd())
	return cmd
}

func requireUser() error {
	if UserID == "" {
		return errors.New("--user is required")
	}
	return nil
}

func newJobCreateCmd() *cobra.Command {
	var (
		provider    string
		title       string
		description string
		budget      string
		hourly      bool
		bsc         bool
		message     string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job for a provider, or a public job open to bids",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			n := jobflow.NewJob{
				ClientID:    UserID,
				ProviderID:  provider,
				Information: types.JobInformation{Title: title, Description: description},
				PaymentType: types.PaymentFixed,
				BscEscrow:   bsc,
				Message:     message,
			}
			if hourly {
				n.PaymentType = types.PaymentHourly
			}
			if budget != "" {
				dec, err := math.LegacyNewDecFromStr(budget)
				if err != nil {
					return fmt.Errorf("invalid --budget: %w", err)
				}
				n.Budget = dec
			}
			return withApp(func(a *app) error {
				svc, err := a.jobService(cmd.Context())
				if err != nil {
					return err
				}
				job, err := svc.CreateJob(cmd.Context(), n)
				if err != nil {
					return err
				}
				return printJob(job)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Provider user ID (empty posts a public job)")
	cmd.Flags().StringVar(&title, "title", "", "Job title")
	cmd.Flags().StringVar(&description, "description", "", "Job description")
	cmd.Flags().StringVar(&budget, "budget", "", "Budget in USD")
	cmd.Flags().BoolVar(&hourly, "hourly", false, "Budget is an hourly rate")
	cmd.Flags().BoolVar(&bsc, "bsc", false, "Escrow on the smart chain contract")
	cmd.Flags().StringVar(&message, "message", "", "Message to the provider")
	return cmd
}

func newJobListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			return withApp(func(a *app) error {
				svc, err := a.jobService(cmd.Context())
				if err != nil {
					return err
				}
				jobs, err := svc.List(cmd.Context(), UserID)
				if err != nil {
					return err
				}
				if printed, err := printJSON(jobs); printed || err != nil {
					return err
				}
				if len(jobs) == 0 {
					Info("No jobs")
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					role, _ := j.RoleOf(UserID)
					rows = append(rows, []string{j.ID, j.Information.Title, string(role), StateBadge(j.State), FormatUSD(j.Budget, j.PaymentType)})
				}
				fmt.Println(RenderTable([]string{"ID", "TITLE", "ROLE", "STATE", "BUDGET"}, rows))
				return nil
			})
		},
	}
}

func newJobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			return withApp(func(a *app) error {
				svc, err := a.jobService(cmd.Context())
				if err != nil {
					return err
				}
				job, err := svc.Get(cmd.Context(), args[0], UserID)
				if err != nil {
					return err
				}
				return printJob(job)
			})
		},
	}
}

func printJob(job types.Job) error {
	if printed, err := printJSON(job); printed || err != nil {
		return err
	}
	provider := job.ProviderID
	if provider == "" {
		provider = fmt.Sprintf("(open, %d bids)", len(job.Bids))
	}
	fmt.Println(StatusBox(job.Information.Title, [][2]string{
		{"ID", job.ID},
		{"State", StateBadge(job.State)},
		{"Client", job.ClientID},
		{"Provider", provider},
		{"Budget", FormatUSD(job.Budget, job.PaymentType)},
		{"Escrow", map[bool]string{true: "smart chain", false: "BEP2"}[job.BscEscrow]},
	}))

	rows := make([][]string, 0, len(job.Actions))
	for _, act := range job.Actions {
		rows = append(rows, []string{
			act.Timestamp.Format("2006-01-02 15:04"),
			string(act.ExecutedBy),
			act.Summary(job.PartyID(act.ExecutedBy)),
		})
	}
	fmt.Println(RenderTable([]string{"WHEN", "BY", "ACTION"}, rows))
	return nil
}

func newJobActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions <job-id>",
		Short: "List the actions you can take on a job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			return withApp(func(a *app) error {
				svc, err := a.jobService(cmd.Context())
				if err != nil {
					return err
				}
				actions, err := svc.AvailableActions(cmd.Context(), args[0], UserID)
				if err != nil {
					return err
				}
				if printed, err := printJSON(actions); printed || err != nil {
					return err
				}
				if len(actions) == 0 {
					Info("No actions available")
					return nil
				}
				for _, at := range actions {
					fmt.Printf("  %-16s %s\n", at.Key(), StyleMuted.Render(string(at)))
				}
				return nil
			})
		},
	}
}

func newJobDoCmd() *cobra.Command {
	var (
		message string
		amount  string
		rating  int
		subject string
		hourly  bool
	)
	cmd := &cobra.Command{
		Use:   "do <job-id> <action>",
		Short: "Perform an action on a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			at, err := types.ParseActionType(args[1])
			if err != nil {
				return err
			}
			act := types.NewJobAction(at, "", message)
			act.Rating = rating
			act.Subject = subject
			if amount != "" {
				dec, err := math.LegacyNewDecFromStr(amount)
				if err != nil {
					return fmt.Errorf("invalid --amount: %w", err)
				}
				pt := types.PaymentFixed
				if hourly {
					pt = types.PaymentHourly
				}
				act = act.WithProposal(dec, pt, "", "", 0)
			}

			return withApp(func(a *app) error {
				svc, err := a.jobService(cmd.Context())
				if err != nil {
					return err
				}
				job, err := svc.PerformAction(cmd.Context(), args[0], UserID, act, signingCallbacks())
				if err != nil {
					return err
				}
				Success(fmt.Sprintf("%s recorded, job is now %s", at.Key(), job.State))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message attached to the action")
	cmd.Flags().StringVar(&amount, "amount", "", "USD amount for counterOffer and bid")
	cmd.Flags().BoolVar(&hourly, "hourly", false, "Amount is an hourly rate")
	cmd.Flags().IntVar(&rating, "rating", 0, "Rating 1-5 for review")
	cmd.Flags().StringVar(&subject, "subject", "", "User the action refers to (invite, declineBid)")
	return cmd
}

func newJobSelectBidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select-bid <job-id> <index>",
		Short: "Hire the provider behind a bid; all other bids are declined",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			index, err := strconv.Atoi(strings.TrimSpace(args[1]))
			if err != nil {
				return fmt.Errorf("invalid bid index: %w", err)
			}
			return withApp(func(a *app) error {
				svc, err := a.jobService(cmd.Context())
				if err != nil {
					return err
				}
				job, err := svc.SelectBid(cmd.Context(), args[0], UserID, index)
				if err != nil {
					return err
				}
				Success(fmt.Sprintf("Hired %s, job is now %s", job.ProviderID, job.State))
				return nil
			})
		},
	}
}

// NewUserCmd manages the local user directory
func NewUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users in the local directory",
	}

	var name, email, smartAddr string
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				_, users, err := a.stores(cmd.Context())
				if err != nil {
					return err
				}
				u := types.User{ID: args[0], Name: name, Email: email}
				if smartAddr != "" {
					if !common.IsHexAddress(smartAddr) {
						return fmt.Errorf("invalid smart chain address %q", smartAddr)
					}
					u.SmartChainAddress = common.HexToAddress(smartAddr).Hex()
				}
				if err := users.AddUser(cmd.Context(), u); err != nil {
					return err
				}
				Success("Added user " + args[0])
				return nil
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "Display name")
	add.Flags().StringVar(&email, "email", "", "Email for notifications")
	add.Flags().StringVar(&smartAddr, "smart-chain-address", "", "0x address used for smart chain escrow")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user and their bound address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				_, users, err := a.stores(cmd.Context())
				if err != nil {
					return err
				}
				u, err := users.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if printed, err := printJSON(u); printed || err != nil {
					return err
				}
				fmt.Println(StatusBox(u.ID, [][2]string{{"Name", u.Name}, {"Email", u.Email}, {"Address", u.Address}, {"Smart chain", u.SmartChainAddress}}))
				return nil
			})
		},
	}

	cmd.AddCommand(add, show)
	return cmd
}
