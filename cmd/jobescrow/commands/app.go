package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/gorilla/websocket"

	"github.com/canwork/jobescrow/internal/chain"
	"github.com/canwork/jobescrow/internal/config"
	"github.com/canwork/jobescrow/internal/escrow"
	"github.com/canwork/jobescrow/internal/jobflow"
	"github.com/canwork/jobescrow/internal/logging"
	"github.com/canwork/jobescrow/internal/metrics"
	"github.com/canwork/jobescrow/internal/notify"
	"github.com/canwork/jobescrow/internal/store"
	"github.com/canwork/jobescrow/internal/wallet"
	"github.com/canwork/jobescrow/pkg/types"
)

// userDirectory is what every store backend offers for users
type userDirectory interface {
	wallet.Directory
	AddUser(ctx context.Context, u types.User) error
}

// app lazily builds the components a command needs from the config. Every
// accessor memoizes; close releases what was built in reverse order.
type app struct {
	cfg     *config.Config
	metrics *metrics.Collector

	gateway    *chain.Client
	jobs       jobflow.Store
	users      userDirectory
	wallets    *wallet.ConnectionManager
	smart      *escrow.SmartChainEscrow
	orch       *escrow.Orchestrator
	pricer     *escrow.Pricer
	dispatcher *notify.Dispatcher
	service    *jobflow.Service

	closers []func()
}

func loadConfig() (*config.Config, error) {
	path := ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logging.Setup(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	return &app{cfg: cfg, metrics: metrics.New()}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) chainClient() (*chain.Client, error) {
	if a.gateway != nil {
		return a.gateway, nil
	}
	g := a.cfg.Gateway
	c, err := chain.New(chain.Options{
		URLs:       g.ResolvedURLs(),
		Timeout:    g.RequestTimeoutDuration(),
		MaxRetries: g.MaxRetries,
		RateLimit:  g.RateLimit,
		RateBurst:  g.RateBurst,
		Metrics:    a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.gateway = c
	return c, nil
}

func (a *app) stores(ctx context.Context) (jobflow.Store, userDirectory, error) {
	if a.jobs != nil {
		return a.jobs, a.users, nil
	}
	if err := a.cfg.EnsureDirectories(); err != nil {
		return nil, nil, err
	}

	switch a.cfg.Store.Driver {
	case "memory":
		a.jobs, a.users = store.NewMemoryStore(), store.NewMemoryDirectory()
	case "sqlite":
		s, err := store.OpenSQLite(ctx, a.cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { s.Close() })
		a.jobs, a.users = s, s
	case "postgres":
		s, err := store.OpenPostgres(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.jobs, a.users = s, s
	case "mysql":
		s, err := store.OpenMySQL(ctx, a.cfg.Store.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { s.Close() })
		a.jobs, a.users = s, s
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	return a.jobs, a.users, nil
}

// passwords tries the keyring, the environment and finally an interactive
// prompt
func (a *app) passwords() wallet.PasswordSource {
	env := wallet.PasswordFunc(func(context.Context) (string, error) {
		if pw := os.Getenv(envKeystorePassword); pw != "" {
			return pw, nil
		}
		return "", wallet.ErrNoPassword
	})
	prompt := wallet.PasswordFunc(func(context.Context) (string, error) {
		if !isTTY() {
			return "", wallet.ErrNoPassword
		}
		var pw string
		err := huh.NewInput().
			Title("Keystore password").
			EchoMode(huh.EchoModePassword).
			Value(&pw).
			Run()
		return pw, err
	})
	return wallet.FirstOf(wallet.KeyringPasswords{Service: a.cfg.Wallet.KeyringService}, env, prompt)
}

// walletManager builds the connection manager for the acting user and
// restores the persisted connection
func (a *app) walletManager(ctx context.Context) (*wallet.ConnectionManager, error) {
	if a.wallets != nil {
		return a.wallets, nil
	}
	if UserID == "" {
		return nil, errors.New("--user is required for wallet operations")
	}
	gw, err := a.chainClient()
	if err != nil {
		return nil, err
	}
	_, users, err := a.stores(ctx)
	if err != nil {
		return nil, err
	}

	var passphrase []byte
	if a.cfg.Wallet.SealConnection {
		pp := os.Getenv(envConnectionPassphrase)
		if pp == "" {
			return nil, fmt.Errorf("wallet.seal_connection is set but %s is empty", envConnectionPassphrase)
		}
		passphrase = []byte(pp)
	}

	m, err := wallet.NewConnectionManager(wallet.ManagerOptions{
		UserID:    UserID,
		Directory: users,
		Opener: &wallet.Opener{
			Gateway:       gw,
			AddressPrefix: a.cfg.Gateway.AddressPrefix,
			FeeAsset:      a.cfg.Escrow.FeeAsset,
			Passwords:     a.passwords(),
			Devices:       wallet.OpenUSBDevice,
			RelayURL:      a.cfg.Wallet.BridgeURL,
			Dialer:        websocket.DefaultDialer,
		},
		Store:   wallet.NewFileStore(a.cfg.Wallet.ConnectionFile, passphrase),
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { m.Shutdown(context.Background()) })
	a.wallets = m

	if err := m.Restore(ctx); err != nil && !errors.Is(err, wallet.ErrConfirmationRequired) {
		logging.Warn("could not restore wallet connection", logging.Err(err))
	}
	return m, nil
}

func (a *app) smartChain(ctx context.Context) (*escrow.SmartChainEscrow, error) {
	if a.smart != nil {
		return a.smart, nil
	}
	sc := a.cfg.SmartChain
	if sc.Mock {
		a.smart = escrow.NewMockSmartChainEscrow()
		return a.smart, nil
	}

	var password string
	if sc.PasswordFile != "" {
		data, err := os.ReadFile(sc.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read smart chain password: %w", err)
		}
		password = strings.TrimSpace(string(data))
	}
	s, err := escrow.DialSmartChainEscrow(ctx, escrow.SmartChainConfig{
		RPCURL:          sc.RPCURL,
		ChainID:         sc.ChainID,
		ContractAddress: sc.EscrowContract,
		KeyFile:         sc.KeyFile,
		Password:        password,
		WaitMined:       true,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, s.Close)
	a.smart = s
	return s, nil
}

func (a *app) orchestrator(ctx context.Context) (*escrow.Orchestrator, error) {
	if a.orch != nil {
		return a.orch, nil
	}
	wallets, err := a.walletManager(ctx)
	if err != nil {
		return nil, err
	}
	smart, err := a.smartChain(ctx)
	if err != nil {
		return nil, err
	}
	e := a.cfg.Escrow
	o, err := escrow.NewOrchestrator(escrow.Options{
		Wallets:       wallets,
		Gateway:       a.gateway,
		EscrowAddress: e.Address,
		FeeAsset:      e.FeeAsset,
		ChainID:       a.cfg.Gateway.ChainID,
		DefaultFee:    e.DefaultFee,
		FeeTimeout:    e.FeeTimeoutDuration(),
		SignTimeout:   e.SignTimeoutDuration(),
		SmartChain:    smart,
		Metrics:       a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.orch = o
	return o, nil
}

func (a *app) prices() (*escrow.Pricer, error) {
	if a.pricer != nil {
		return a.pricer, nil
	}
	gw, err := a.chainClient()
	if err != nil {
		return nil, err
	}
	a.pricer = escrow.NewPricer(gw, a.cfg.Gateway.Testnet())
	return a.pricer, nil
}

func (a *app) notifier(users notify.Directory) (*notify.Dispatcher, error) {
	if a.dispatcher != nil {
		return a.dispatcher, nil
	}
	var sinks notify.Fanout
	if a.cfg.Notify.Log {
		sinks = append(sinks, notify.NewLogSink())
	}
	if a.cfg.Notify.WebhookURL != "" {
		hook, err := notify.NewWebhookSink(notify.WebhookOptions{
			URL:     a.cfg.Notify.WebhookURL,
			Timeout: a.cfg.Notify.WebhookTimeoutDuration(),
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, hook)
	}
	d := notify.NewDispatcher(sinks, users, a.metrics)
	// Short-lived commands wait for their notifications before exiting
	a.closers = append(a.closers, d.Wait)
	a.dispatcher = d
	return d, nil
}

// jobService wires the job flow. Fund movements need a wallet, so the
// orchestrator is only attached when an escrow address is configured and a
// user is acting.
func (a *app) jobService(ctx context.Context) (*jobflow.Service, error) {
	if a.service != nil {
		return a.service, nil
	}
	jobs, users, err := a.stores(ctx)
	if err != nil {
		return nil, err
	}
	pricer, err := a.prices()
	if err != nil {
		return nil, err
	}
	smart, err := a.smartChain(ctx)
	if err != nil {
		return nil, err
	}
	dispatcher, err := a.notifier(users)
	if err != nil {
		return nil, err
	}

	opts := jobflow.ServiceOptions{
		Store:    jobs,
		Users:    users,
		Prices:   pricer,
		Deposits: smart,
		Notifier: dispatcher,
		Asset:    a.cfg.Escrow.Token,
		Metrics:  a.metrics,

		DepositDecimals: a.cfg.SmartChain.TokenDecimals,
	}
	if a.cfg.Escrow.Address != "" && UserID != "" {
		o, err := a.orchestrator(ctx)
		if err != nil {
			return nil, err
		}
		opts.Funds = o
	}

	svc, err := jobflow.NewService(opts)
	if err != nil {
		return nil, err
	}
	a.service = svc
	return svc, nil
}

// withApp runs fn with a fresh app and releases it afterwards
func withApp(fn func(*app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}
