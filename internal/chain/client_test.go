package chain_test

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canwork/jobescrow/internal/chain"
	"github.com/canwork/jobescrow/internal/chain/chaintest"
)

func TestClient_Ticker(t *testing.T) {
	gw := chaintest.New()
	defer gw.Close()
	gw.SetPrice("CAN-677_BNB", "0.00012345")

	price, err := gw.NewClient().Ticker(context.Background(), "CAN-677_BNB")
	if err != nil {
		t.Fatalf("Ticker failed: %v", err)
	}
	if price.String() != "0.000123450000000000" {
		t.Errorf("price = %s", price)
	}
}

func TestClient_TickerUnknownPair(t *testing.T) {
	gw := chaintest.New()
	defer gw.Close()

	_, err := gw.NewClient().Ticker(context.Background(), "NOPE_BNB")
	if !errors.Is(err, chain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_SendFee(t *testing.T) {
	gw := chaintest.New()
	defer gw.Close()
	gw.SetSendFee(60000)

	fee, err := gw.NewClient().SendFee(context.Background())
	if err != nil {
		t.Fatalf("SendFee failed: %v", err)
	}
	if fee != 60000 {
		t.Errorf("fee = %d, want 60000", fee)
	}
}

func TestClient_AccountAndSequence(t *testing.T) {
	gw := chaintest.New()
	defer gw.Close()
	gw.SetBalance("tbnb1alice", "BNB", 150_000_000)
	gw.SetBalance("tbnb1alice", "CAN-677", 2_500_000_000)

	c := gw.NewClient()
	acct, err := c.Account(context.Background(), "tbnb1alice")
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if acct.Free("BNB") != 150_000_000 {
		t.Errorf("BNB free = %d", acct.Free("BNB"))
	}
	if acct.Free("CAN-677") != 2_500_000_000 {
		t.Errorf("CAN free = %d", acct.Free("CAN-677"))
	}
	if acct.Free("XYZ") != 0 {
		t.Error("unknown symbol should be zero")
	}

	seq, err := c.Sequence(context.Background(), "tbnb1alice")
	if err != nil || seq != 0 {
		t.Errorf("Sequence = %d, %v", seq, err)
	}
}

func TestClient_UnknownAccountNotRetried(t *testing.T) {
	gw := chaintest.New()
	defer gw.Close()

	c, err := chain.New(chain.Options{URLs: []string{gw.URL}, MaxRetries: 3})
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Account(context.Background(), "tbnb1nobody")
	if !errors.Is(err, chain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if gw.Calls("account") != 1 {
		t.Errorf("expected a single call for 404, got %d", gw.Calls("account"))
	}
}

func TestClient_FailoverOnServerError(t *testing.T) {
	var badHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	gw := chaintest.New()
	defer gw.Close()
	gw.SetSendFee(37500)

	c, err := chain.New(chain.Options{URLs: []string{bad.URL, gw.URL}, MaxRetries: 2})
	if err != nil {
		t.Fatal(err)
	}

	fee, err := c.SendFee(context.Background())
	if err != nil {
		t.Fatalf("expected failover to succeed, got %v", err)
	}
	if fee != 37500 {
		t.Errorf("fee = %d", fee)
	}
	if badHits.Load() != 1 {
		t.Errorf("bad endpoint hit %d times, want 1", badHits.Load())
	}

	health := c.Endpoints()
	if health[0].ConsecutiveErrs != 1 {
		t.Errorf("bad endpoint errors = %d, want 1", health[0].ConsecutiveErrs)
	}
}

func TestClient_NetworkErrorIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := chain.New(chain.Options{URLs: []string{url}, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.SendFee(context.Background())
	if !errors.Is(err, chain.ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}

func TestClient_RequestTimeout(t *testing.T) {
	gw := chaintest.New()
	defer gw.Close()
	gw.DelayFees(time.Second)

	c, err := chain.New(chain.Options{URLs: []string{gw.URL}, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = c.SendFee(context.Background())
	if !errors.Is(err, chain.ErrNetwork) {
		t.Errorf("expected ErrNetwork on timeout, got %v", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Error("request was not bounded by the timeout")
	}
}

func TestClient_Broadcast(t *testing.T) {
	gw := chaintest.New()
	defer gw.Close()

	res, err := gw.NewClient().Broadcast(context.Background(), []byte(`{"memo":"x"}`))
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if !res.OK || res.Hash == "" {
		t.Errorf("unexpected result %+v", res)
	}
	if got := gw.Broadcasts(); len(got) != 1 || string(got[0]) != `{"memo":"x"}` {
		t.Errorf("gateway received %q", got)
	}
}

func TestClient_BroadcastRejected(t *testing.T) {
	gw := chaintest.New()
	defer gw.Close()
	gw.RejectBroadcasts("insufficient fund")

	res, err := gw.NewClient().Broadcast(context.Background(), []byte("tx"))
	if !errors.Is(err, chain.ErrBroadcastRejected) {
		t.Fatalf("expected ErrBroadcastRejected, got %v", err)
	}
	if res == nil || res.Log != "insufficient fund" {
		t.Errorf("expected chain log to be preserved, got %+v", res)
	}
}

func TestClient_BroadcastClientErrorKeepsMessage(t *testing.T) {
	gw := chaintest.New()
	defer gw.Close()
	gw.RejectBroadcastsWithStatus(http.StatusBadRequest, "signature verification failed")

	res, err := gw.NewClient().Broadcast(context.Background(), []byte("tx"))
	if !errors.Is(err, chain.ErrBroadcastRejected) {
		t.Fatalf("expected ErrBroadcastRejected, got %v", err)
	}
	if res == nil || res.Log != "signature verification failed" {
		t.Fatalf("expected gateway message as log, got %+v", res)
	}
	if res.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", res.Code)
	}
	if n := gw.Calls("broadcast"); n != 1 {
		t.Errorf("broadcast calls = %d, want 1", n)
	}
}

func TestAccount_FreeClampsOversizedBalance(t *testing.T) {
	acct := &chain.Account{Balances: []chain.Balance{
		{Symbol: "BNB", Free: "100000000000.00000000"},
		{Symbol: "CAN-677", Free: "not-a-number"},
	}}
	if got := acct.Free("BNB"); got != math.MaxInt64 {
		t.Errorf("Free(BNB) = %d, want clamp to MaxInt64", got)
	}
	if got := acct.Free("CAN-677"); got != 0 {
		t.Errorf("Free(CAN-677) = %d, want 0", got)
	}
}
