// Package chaintest provides an in-process fake of the chain gateway for tests.
package chaintest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/canwork/jobescrow/internal/chain"
	"github.com/canwork/jobescrow/pkg/types"
)

// Gateway is a fake gateway backed by an httptest.Server
type Gateway struct {
	*httptest.Server

	mu         sync.Mutex
	accounts   map[string]*chain.Account
	prices     map[string]string
	sendFee    int64
	feeStatus  int
	feeDelay   time.Duration
	reject     string
	rejectCode int
	broadcasts [][]byte
	calls      map[string]int
}

// New starts a fake gateway with a send fee of 37500
func New() *Gateway {
	g := &Gateway{
		accounts: make(map[string]*chain.Account),
		prices:   make(map[string]string),
		sendFee:  37500,
		calls:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/ticker/24hr", g.handleTicker)
	mux.HandleFunc("GET /api/v1/fees", g.handleFees)
	mux.HandleFunc("GET /api/v1/account/{addr}/sequence", g.handleSequence)
	mux.HandleFunc("GET /api/v1/account/{addr}", g.handleAccount)
	mux.HandleFunc("POST /api/v1/broadcast", g.handleBroadcast)
	g.Server = httptest.NewServer(mux)
	return g
}

// NewClient returns a gateway client pointed at g without retries
func (g *Gateway) NewClient() *chain.Client {
	c, err := chain.New(chain.Options{URLs: []string{g.URL}, Timeout: 2 * time.Second})
	if err != nil {
		panic(err)
	}
	return c
}

// SetBalance sets the free balance of symbol for address, creating the account
func (g *Gateway) SetBalance(address, symbol string, atomic int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	acct := g.account(address)
	free := types.FormatAtomic(atomic)
	for i := range acct.Balances {
		if acct.Balances[i].Symbol == symbol {
			acct.Balances[i].Free = free
			return
		}
	}
	acct.Balances = append(acct.Balances, chain.Balance{Symbol: symbol, Free: free, Locked: "0", Frozen: "0"})
}

// SetPrice sets the weighted average price for a ticker pair
func (g *Gateway) SetPrice(pair, price string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[pair] = price
}

// SetSendFee sets the fee returned by the fee schedule
func (g *Gateway) SetSendFee(fee int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendFee = fee
}

// FailFees makes the fee endpoint answer with status. 0 restores it.
func (g *Gateway) FailFees(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.feeStatus = status
}

// DelayFees makes the fee endpoint wait before answering
func (g *Gateway) DelayFees(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.feeDelay = d
}

// RejectBroadcasts makes every broadcast fail check-tx with log. "" accepts again.
func (g *Gateway) RejectBroadcasts(log string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reject = log
	g.rejectCode = 0
}

// RejectBroadcastsWithStatus makes every broadcast fail with an HTTP error
// status and a gateway error body carrying message.
func (g *Gateway) RejectBroadcastsWithStatus(status int, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reject = message
	g.rejectCode = status
}

// Broadcasts returns the raw transactions submitted so far
func (g *Gateway) Broadcasts() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]byte(nil), g.broadcasts...)
}

// Calls returns how many times an endpoint was hit: ticker, fees, sequence,
// account or broadcast.
func (g *Gateway) Calls(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

func (g *Gateway) account(address string) *chain.Account {
	acct, ok := g.accounts[address]
	if !ok {
		acct = &chain.Account{Address: address, AccountNumber: int64(len(g.accounts) + 1)}
		g.accounts[address] = acct
	}
	return acct
}

func (g *Gateway) count(name string) {
	g.mu.Lock()
	g.calls[name]++
	g.mu.Unlock()
}

func (g *Gateway) handleTicker(w http.ResponseWriter, r *http.Request) {
	g.count("ticker")
	pair := r.URL.Query().Get("symbol")

	g.mu.Lock()
	price, ok := g.prices[pair]
	g.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, []map[string]string{{"symbol": pair, "weightedAvgPrice": price}})
}

func (g *Gateway) handleFees(w http.ResponseWriter, r *http.Request) {
	g.count("fees")

	g.mu.Lock()
	status, delay, fee := g.feeStatus, g.feeDelay, g.sendFee
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeJSON(w, status, map[string]any{"code": status, "message": "fee schedule unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, []chain.Fee{
		{MsgType: "submit_proposal", Fee: 1000000000, FeeFor: 1},
		{FixedFeeParams: &chain.FixedFeeParams{MsgType: "send", Fee: fee, FeeFor: 1}},
	})
}

func (g *Gateway) handleSequence(w http.ResponseWriter, r *http.Request) {
	g.count("sequence")

	g.mu.Lock()
	acct, ok := g.accounts[r.PathValue("addr")]
	var seq int64
	if ok {
		seq = acct.Sequence
	}
	g.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": 404, "message": "account not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": seq})
}

func (g *Gateway) handleAccount(w http.ResponseWriter, r *http.Request) {
	g.count("account")

	g.mu.Lock()
	acct, ok := g.accounts[r.PathValue("addr")]
	var snapshot chain.Account
	if ok {
		snapshot = *acct
		snapshot.Balances = append([]chain.Balance(nil), acct.Balances...)
	}
	g.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": 404, "message": "account not found"})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (g *Gateway) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	g.count("broadcast")

	body, _ := io.ReadAll(r.Body)
	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "message": "invalid hex"})
		return
	}
	sum := sha256.Sum256(raw)
	hash := strings.ToUpper(hex.EncodeToString(sum[:]))

	g.mu.Lock()
	reject, rejectCode := g.reject, g.rejectCode
	g.broadcasts = append(g.broadcasts, raw)
	if reject == "" {
		var tx struct {
			Msgs []struct {
				From string `json:"from"`
			} `json:"msgs"`
		}
		if json.Unmarshal(raw, &tx) == nil && len(tx.Msgs) > 0 {
			if acct, ok := g.accounts[tx.Msgs[0].From]; ok {
				acct.Sequence++
			}
		}
	}
	g.mu.Unlock()

	if reject != "" && rejectCode != 0 {
		writeJSON(w, rejectCode, map[string]any{"code": rejectCode, "message": reject})
		return
	}
	if reject != "" {
		writeJSON(w, http.StatusOK, []chain.BroadcastResult{{OK: false, Code: 65541, Hash: hash, Log: reject}})
		return
	}
	writeJSON(w, http.StatusOK, []chain.BroadcastResult{{OK: true, Hash: hash, Log: "Msg 0: "}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
