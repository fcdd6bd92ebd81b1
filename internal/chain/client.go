// Package chain is a client for the chain gateway's REST API: price tickers,
// the fee schedule, account state and transaction broadcast.
package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	gomath "math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cosmossdk.io/math"
	"golang.org/x/time/rate"

	"github.com/canwork/jobescrow/internal/logging"
	"github.com/canwork/jobescrow/internal/metrics"
	"github.com/canwork/jobescrow/internal/util"
	"github.com/canwork/jobescrow/pkg/types"
)

var (
	// ErrNetwork covers transport failures, timeouts and gateway 5xx responses
	ErrNetwork = errors.New("chain gateway unreachable")
	// ErrNotFound is returned for unknown accounts or symbols
	ErrNotFound = errors.New("not found on chain")
	// ErrBroadcastRejected wraps the chain's verbatim rejection log
	ErrBroadcastRejected = errors.New("broadcast rejected")
)

// maxResponseSize bounds how much of a gateway response is read
const maxResponseSize = 4 << 20

// Options configures a Client
type Options struct {
	URLs       []string
	Timeout    time.Duration // per request
	MaxRetries int
	RateLimit  float64 // requests per second, 0 disables limiting
	RateBurst  int
	HTTPClient *http.Client
	Metrics    *metrics.Collector
}

// Client talks to one or more gateway base URLs with failover
type Client struct {
	endpoints  *EndpointTracker
	httpClient *http.Client
	timeout    time.Duration
	retry      util.RetryConfig
	limiter    *rate.Limiter
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// New creates a gateway client
func New(opts Options) (*Client, error) {
	if len(opts.URLs) == 0 {
		return nil, fmt.Errorf("at least one gateway url is required")
	}
	for _, u := range opts.URLs {
		if _, err := url.Parse(u); err != nil {
			return nil, fmt.Errorf("invalid gateway url %q: %w", u, err)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	retry := *util.DefaultRetryConfig()
	retry.MaxRetries = opts.MaxRetries

	c := &Client{
		endpoints:  NewEndpointTracker(opts.URLs),
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		retry:      retry,
		limiter:    limiter,
		metrics:    opts.Metrics,
		logger:     logging.With(logging.Component("chain")),
	}
	c.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Debug("retrying gateway request", "attempt", attempt, "delay", delay, logging.Err(err))
	}
	return c, nil
}

// Endpoints exposes endpoint health for status output
func (c *Client) Endpoints() []EndpointHealth {
	return c.endpoints.Snapshot()
}

// Ticker returns the 24h weighted average price for a pair such as
// "CAN-677_BNB" or "BNB_BUSD-BD1".
func (c *Client) Ticker(ctx context.Context, symbol string) (math.LegacyDec, error) {
	var tickers []struct {
		Symbol           string `json:"symbol"`
		WeightedAvgPrice string `json:"weightedAvgPrice"`
	}
	path := "api/v1/ticker/24hr?symbol=" + url.QueryEscape(symbol)
	if err := c.getJSON(ctx, "ticker", path, &tickers); err != nil {
		return math.LegacyDec{}, err
	}
	if len(tickers) == 0 {
		return math.LegacyDec{}, fmt.Errorf("ticker %s: %w", symbol, ErrNotFound)
	}
	price, err := math.LegacyNewDecFromStr(tickers[0].WeightedAvgPrice)
	if err != nil {
		return math.LegacyDec{}, fmt.Errorf("ticker %s: invalid price %q: %w", symbol, tickers[0].WeightedAvgPrice, err)
	}
	return price, nil
}

// Fee is one entry of the gateway fee schedule
type Fee struct {
	MsgType        string          `json:"msg_type,omitempty"`
	Fee            int64           `json:"fee,omitempty"`
	FeeFor         int             `json:"fee_for,omitempty"`
	FixedFeeParams *FixedFeeParams `json:"fixed_fee_params,omitempty"`
}

// FixedFeeParams is the fee for a fixed-fee message type
type FixedFeeParams struct {
	MsgType string `json:"msg_type"`
	Fee     int64  `json:"fee"`
	FeeFor  int    `json:"fee_for"`
}

// Fees returns the full fee schedule
func (c *Client) Fees(ctx context.Context) ([]Fee, error) {
	var fees []Fee
	if err := c.getJSON(ctx, "fees", "api/v1/fees", &fees); err != nil {
		return nil, err
	}
	return fees, nil
}

// SendFee returns the atomic fee charged for a transfer
func (c *Client) SendFee(ctx context.Context) (int64, error) {
	fees, err := c.Fees(ctx)
	if err != nil {
		return 0, err
	}
	for _, f := range fees {
		if f.FixedFeeParams != nil && f.FixedFeeParams.MsgType == "send" {
			return f.FixedFeeParams.Fee, nil
		}
	}
	return 0, fmt.Errorf("send fee: %w", ErrNotFound)
}

// Sequence returns the next sequence number for an address
func (c *Client) Sequence(ctx context.Context, address string) (int64, error) {
	var resp struct {
		Sequence int64 `json:"sequence"`
	}
	if err := c.getJSON(ctx, "sequence", "api/v1/account/"+url.PathEscape(address)+"/sequence", &resp); err != nil {
		return 0, err
	}
	return resp.Sequence, nil
}

// Balance is one asset balance, amounts in decimal units
type Balance struct {
	Symbol string `json:"symbol"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
	Frozen string `json:"frozen"`
}

// Account is the on-chain state of an address
type Account struct {
	Address       string    `json:"address"`
	AccountNumber int64     `json:"account_number"`
	Sequence      int64     `json:"sequence"`
	Balances      []Balance `json:"balances"`
}

// Free returns the spendable balance of symbol in atomic units. Unknown
// symbols and unparsable amounts count as zero. Balances beyond the int64
// range are clamped.
func (a *Account) Free(symbol string) int64 {
	for _, b := range a.Balances {
		if b.Symbol == symbol {
			n, err := types.ParseAtomic(b.Free)
			if errors.Is(err, types.ErrAtomicOverflow) {
				return gomath.MaxInt64
			}
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}

// Account returns the account state for an address
func (c *Client) Account(ctx context.Context, address string) (*Account, error) {
	var acct Account
	if err := c.getJSON(ctx, "account", "api/v1/account/"+url.PathEscape(address), &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// BroadcastResult is the gateway's answer for a synchronously broadcast tx
type BroadcastResult struct {
	OK   bool   `json:"ok"`
	Code int    `json:"code"`
	Hash string `json:"hash"`
	Log  string `json:"log"`
}

// Broadcast submits a signed transaction and waits for check-tx. The call is
// made once per endpoint at most and never retried on the same endpoint, since
// a repeated submission of the same sequence would be rejected as a duplicate.
func (c *Client) Broadcast(ctx context.Context, signed []byte) (*BroadcastResult, error) {
	body := hex.EncodeToString(signed)

	var lastErr error
	for _, base := range c.endpoints.Ordered() {
		results, err := c.doBroadcast(ctx, base, body)
		if err == nil {
			if len(results) == 0 {
				return nil, fmt.Errorf("%w: empty response", ErrBroadcastRejected)
			}
			r := results[0]
			if !r.OK {
				return &r, fmt.Errorf("%w: %s", ErrBroadcastRejected, r.Log)
			}
			return &r, nil
		}
		lastErr = err
		// Only a connection that never reached the gateway is safe to resend.
		if !errors.Is(err, errDialFailed) {
			return nil, err
		}
	}
	return nil, lastErr
}

var errDialFailed = errors.New("connection not established")

func (c *Client) doBroadcast(ctx context.Context, base, body string) ([]BroadcastResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, join(base, "api/v1/broadcast?sync=true"), strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(base, "broadcast", false, start)
		if isDialError(err) {
			return nil, fmt.Errorf("%w: %w: %v", ErrNetwork, errDialFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.observe(base, "broadcast", false, start)
		return nil, fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}
	c.observe(base, "broadcast", resp.StatusCode < 500, start)

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: broadcast returned %d", ErrNetwork, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// The gateway refused the tx before check-tx. Its message is the reason.
		return []BroadcastResult{{Code: resp.StatusCode, Log: gatewayMessage(data)}}, nil
	}

	var results []BroadcastResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("%w: malformed broadcast response", ErrBroadcastRejected)
	}
	return results, nil
}

// getJSON performs a GET against the best endpoint, failing over to the next
// one on retryable errors.
func (c *Client) getJSON(ctx context.Context, method, path string, out any) error {
	attempt := 0
	_, res := util.RetryWithValue(ctx, &c.retry, func() (struct{}, error) {
		urls := c.endpoints.Ordered()
		base := urls[attempt%len(urls)]
		attempt++
		return struct{}{}, c.get(ctx, base, method, path, out)
	})
	return res.LastError
}

func (c *Client) get(ctx context.Context, base, method, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return util.MarkNonRetryable(fmt.Errorf("%w: %v", ErrNetwork, err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, join(base, path), nil)
	if err != nil {
		return util.MarkNonRetryable(err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(base, method, false, start)
		if ctx.Err() != nil {
			return util.MarkNonRetryable(fmt.Errorf("%w: %v", ErrNetwork, ctx.Err()))
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.observe(base, method, false, start)
		return fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.observe(base, method, false, start)
		return fmt.Errorf("%w: %s returned %d", ErrNetwork, method, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		c.observe(base, method, true, start)
		return util.MarkNonRetryable(fmt.Errorf("%s: %w", method, ErrNotFound))
	case resp.StatusCode >= 400:
		c.observe(base, method, true, start)
		return util.MarkNonRetryable(fmt.Errorf("%s rejected (%d): %s", method, resp.StatusCode, gatewayMessage(data)))
	}

	c.observe(base, method, true, start)
	if err := json.Unmarshal(data, out); err != nil {
		return util.MarkNonRetryable(fmt.Errorf("%s: malformed response: %w", method, err))
	}
	return nil
}

// observe feeds endpoint health and metrics. Client errors (4xx) count as a
// healthy endpoint.
func (c *Client) observe(base, method string, ok bool, start time.Time) {
	d := time.Since(start)
	if ok {
		c.endpoints.RecordSuccess(base, d)
	} else {
		c.endpoints.RecordError(base)
	}
	c.metrics.RecordGatewayRequest(base, method, ok, d)
}

// gatewayMessage extracts the message from a gateway error body
func gatewayMessage(data []byte) string {
	var e struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(data))
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func join(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
