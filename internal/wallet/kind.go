// Package wallet manages the single active signing wallet: the three
// backend variants (encrypted keystore, Ledger device, remote bridge
// session), the connection manager that owns the active slot and the
// persisted connection record.
package wallet

import (
	"errors"
	"fmt"
)

// Kind identifies a wallet backend variant
type Kind string

const (
	KindKeystore Kind = "keystore"
	KindLedger   Kind = "ledger"
	KindBridge   Kind = "bridge"
)

// ParseKind validates a backend kind name
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindKeystore, KindLedger, KindBridge:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Persistable reports whether a connection of this kind survives restarts.
// Bridge sessions are ephemeral and must be re-established.
func (k Kind) Persistable() bool {
	return k == KindKeystore || k == KindLedger
}

var (
	// ErrSigningRejected is returned when the user or device declines to sign
	ErrSigningRejected = errors.New("signing rejected")
	// ErrNotConnected is returned when a backend's session or device is gone
	ErrNotConnected = errors.New("wallet not connected")
	// ErrUnknownKind is returned for an unrecognized backend kind
	ErrUnknownKind = errors.New("unknown wallet kind")
	// ErrAddressMismatch is returned when a signature does not belong to the connected address
	ErrAddressMismatch = errors.New("signer address mismatch")
)

// Details is the backend-specific request for a connection. The set of
// implementations is closed: KeystoreDetails, LedgerDetails, BridgeDetails.
type Details interface {
	Kind() Kind
	details()
}

// KeystoreDetails connects an encrypted V3 keystore. A nil Password falls
// back to the opener's default password source.
type KeystoreDetails struct {
	Keystore []byte
	Password PasswordSource
}

// LedgerDetails connects a Ledger device account at 44'/714'/Account'/0/Index
type LedgerDetails struct {
	Account uint32
	Index   uint32
}

// BridgeDetails opens a session through a WebSocket relay. An empty RelayURL
// uses the opener's default relay.
type BridgeDetails struct {
	RelayURL string
}

func (KeystoreDetails) Kind() Kind { return KindKeystore }
func (LedgerDetails) Kind() Kind   { return KindLedger }
func (BridgeDetails) Kind() Kind   { return KindBridge }

func (KeystoreDetails) details() {}
func (LedgerDetails) details()   {}
func (BridgeDetails) details()   {}
