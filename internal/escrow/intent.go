// Package escrow moves funds into and out of the escrow address: it checks
// preconditions against the connected wallet, has the wallet sign, broadcasts
// through the chain gateway and reports exactly one outcome per call.
package escrow

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Memo prefixes understood by the escrow service
const (
	memoEscrow  = "ESCROW"
	memoRelease = "RELEASE"
)

// releaseAmount is the nominal transfer carrying a RELEASE memo: 1e-8 of the fee asset
const releaseAmount = 1

// Intent is a transfer awaiting a signature
type Intent struct {
	To     string
	ToName string
	Symbol string
	// Amount is in atomic units (1e-8)
	Amount int64
	Memo   string
	// Info is a short description shown while the user confirms
	Info string
}

// PaymentSummary describes an escrow deposit for a job
type PaymentSummary struct {
	JobID           string
	ProviderAddress string
	Asset           string
	AmountAtomic    int64
}

// EscrowMemo returns ESCROW:<jobID>:<providerAddress>
func EscrowMemo(jobID, providerAddress string) string {
	return memoEscrow + ":" + jobID + ":" + providerAddress
}

// ReleaseMemo returns RELEASE:<jobID>
func ReleaseMemo(jobID string) string {
	return memoRelease + ":" + jobID
}

// Memo is a parsed escrow memo
type Memo struct {
	Release  bool
	JobID    string
	Provider string
}

// ParseMemo parses an ESCROW or RELEASE memo
func ParseMemo(s string) (Memo, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 3 && parts[0] == memoEscrow:
		if _, err := uuid.Parse(parts[1]); err != nil {
			return Memo{}, fmt.Errorf("escrow memo: invalid job id %q", parts[1])
		}
		if parts[2] == "" {
			return Memo{}, fmt.Errorf("escrow memo: missing provider address")
		}
		return Memo{JobID: parts[1], Provider: parts[2]}, nil
	case len(parts) == 2 && parts[0] == memoRelease:
		if _, err := uuid.Parse(parts[1]); err != nil {
			return Memo{}, fmt.Errorf("release memo: invalid job id %q", parts[1])
		}
		return Memo{Release: true, JobID: parts[1]}, nil
	default:
		return Memo{}, fmt.Errorf("unrecognized memo %q", s)
	}
}

func (m Memo) String() string {
	if m.Release {
		return ReleaseMemo(m.JobID)
	}
	return EscrowMemo(m.JobID, m.Provider)
}
