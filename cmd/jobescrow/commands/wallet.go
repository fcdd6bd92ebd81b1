package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/canwork/jobescrow/internal/wallet"
)

// NewWalletCmd creates the wallet command group
func NewWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Connect the wallet that signs escrow transfers",
		Long: `Manage the single active wallet used for escrow deposits and releases.

Three wallet kinds are supported:
  keystore  an encrypted V3 keystore file
  ledger    a Ledger device over USB
  bridge    a mobile wallet paired through a relay

Keystore and Ledger connections are remembered between runs. Bridge
sessions end when the command exits.

Examples:
  jobescrow wallet create-keystore --out ~/escrow.json
  jobescrow --user alice wallet connect keystore ~/escrow.json
  jobescrow --user alice wallet connect ledger --account 0 --index 0
  jobescrow --user alice wallet status`,
	}

	cmd.AddCommand(newWalletCreateKeystoreCmd())
	cmd.AddCommand(newWalletConnectCmd())
	cmd.AddCommand(newWalletStatusCmd())
	cmd.AddCommand(newWalletDisconnectCmd())
	return cmd
}

func newWalletCreateKeystoreCmd() *cobra.Command {
	var (
		out          string
		light        bool
		savePassword bool
	)
	cmd := &cobra.Command{
		Use:   "create-keystore",
		Short: "Generate a new key and write it as an encrypted keystore",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}

			password := os.Getenv(envKeystorePassword)
			if password == "" {
				if !isTTY() {
					return fmt.Errorf("set %s or run in a terminal", envKeystorePassword)
				}
				var confirm string
				err := huh.NewForm(huh.NewGroup(
					huh.NewInput().
						Title("New keystore password").
						EchoMode(huh.EchoModePassword).
						Validate(func(s string) error {
							if len(s) < 8 {
								return errors.New("use at least 8 characters")
							}
							return nil
						}).
						Value(&password),
					huh.NewInput().
						Title("Repeat password").
						EchoMode(huh.EchoModePassword).
						Value(&confirm),
				)).Run()
				if err != nil {
					return err
				}
				if password != confirm {
					return errors.New("passwords do not match")
				}
			}

			var blob []byte
			err := WithSpinner("Encrypting key", func() error {
				var err error
				blob, err = wallet.NewKeystore(password, light)
				return err
			})
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, blob, 0600); err != nil {
				return fmt.Errorf("write keystore: %w", err)
			}
			Success("Keystore written to " + out)

			if savePassword {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				backend, err := wallet.KeyringPasswords{Service: cfg.Wallet.KeyringService}.Store(password)
				if err != nil {
					Warning("Could not store password in keyring: " + err.Error())
					Info("Set " + envKeystorePassword + " to unlock the keystore without a prompt")
					return nil
				}
				Success("Password saved to " + backend)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Keystore file to create")
	cmd.Flags().BoolVar(&light, "light", false, "Use fast scrypt parameters (testing only)")
	cmd.Flags().BoolVar(&savePassword, "save-password", false, "Store the password in the platform keyring")
	return cmd
}

func newWalletConnectCmd() *cobra.Command {
	var (
		yes     bool
		account uint32
		index   uint32
		relay   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:       "connect keystore <file> | ledger | bridge",
		Short:     "Connect a wallet and bind its address to the user",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"keystore", "ledger", "bridge"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := wallet.ParseKind(args[0])
			if err != nil {
				return err
			}

			var d wallet.Details
			switch kind {
			case wallet.KindKeystore:
				if len(args) < 2 {
					return errors.New("keystore file is required")
				}
				blob, err := os.ReadFile(args[1])
				if err != nil {
					return fmt.Errorf("read keystore: %w", err)
				}
				d = wallet.KeystoreDetails{Keystore: blob}
			case wallet.KindLedger:
				d = wallet.LedgerDetails{Account: account, Index: index}
			case wallet.KindBridge:
				d = wallet.BridgeDetails{RelayURL: relay}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return withApp(func(a *app) error {
				m, err := a.walletManager(ctx)
				if err != nil {
					return err
				}
				return connectWallet(ctx, m, d, yes)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Replace an existing address binding without asking")
	cmd.Flags().Uint32Var(&account, "account", 0, "Ledger HD account")
	cmd.Flags().Uint32Var(&index, "index", 0, "Ledger HD address index")
	cmd.Flags().StringVar(&relay, "relay", "", "Bridge relay URL (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the wallet")
	return cmd
}

// connectWallet drives one connect request to a final state, showing the
// pairing URI for bridge sessions and asking before an existing binding is
// replaced
func connectWallet(ctx context.Context, m *wallet.ConnectionManager, d wallet.Details, yes bool) error {
	sub := m.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				if e.Type == wallet.EventInit {
					fmt.Println(StatusBox("Pair your wallet", [][2]string{{"URI", e.URI}}))
					if qr, err := PairingQR(e.URI); err == nil {
						fmt.Print(qr)
					}
				}
			}
		}
	}()

	if d.Kind() == wallet.KindLedger {
		Info("Confirm the address on your Ledger")
	}
	err := m.RequestConnect(ctx, d)

	if errors.Is(err, wallet.ErrConfirmationRequired) {
		kind, addr, _ := m.Pending()
		confirmed := yes
		if !confirmed {
			if !isTTY() {
				return errors.New("your account is bound to another address; rerun with --yes to replace it")
			}
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Bind %s wallet %s to your account?", kind, FormatAddress(addr))).
				Description("Your account is currently bound to a different address.").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
		}
		if !confirmed {
			Warning("Connection cancelled, the current wallet stays connected")
			return nil
		}
		err = m.ConfirmConnect(ctx)
	}
	if err != nil {
		return err
	}

	conn, ok := m.ActiveBackend()
	if !ok {
		return wallet.ErrNotConnected
	}
	Success(fmt.Sprintf("Connected %s wallet %s", conn.Kind, conn.Address))
	return nil
}

func newWalletStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the connected wallet and its balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx := cmd.Context()
				m, err := a.walletManager(ctx)
				if err != nil {
					return err
				}
				conn, ok := m.ActiveBackend()
				if printed, err := printJSON(map[string]any{
					"state":   m.State().String(),
					"kind":    conn.Kind,
					"address": conn.Address,
				}); printed || err != nil {
					return err
				}
				if !ok {
					fmt.Println(StatusBox("Wallet", [][2]string{{"State", m.State().String()}}))
					return nil
				}

				fields := [][2]string{
					{"State", m.State().String()},
					{"Kind", string(conn.Kind)},
					{"Address", conn.Address},
				}
				acct, err := a.gateway.Account(ctx, conn.Address)
				if err != nil {
					fields = append(fields, [2]string{"Balances", "unavailable: " + err.Error()})
				} else {
					for _, b := range acct.Balances {
						fields = append(fields, [2]string{b.Symbol, b.Free})
					}
				}
				fmt.Println(StatusBox("Wallet", fields))
				return nil
			})
		},
	}
}

func newWalletDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the wallet and forget the stored connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				m, err := a.walletManager(cmd.Context())
				if err != nil {
					return err
				}
				if err := m.Disconnect(cmd.Context()); err != nil {
					return err
				}
				Success("Wallet disconnected")
				return nil
			})
		},
	}
}
