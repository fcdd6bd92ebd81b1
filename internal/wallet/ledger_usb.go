package wallet

import (
	"context"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	ledger "github.com/zondax/ledger-go"
)

// APDU constants of the chain's Ledger app
const (
	apduCLA          = 0xbc
	insPublicKey     = 0x01
	insSign          = 0x02
	signChunkSize    = 250
	publicKeyRespLen = 65
)

// USBDevice talks to the first Ledger attached over USB HID
type USBDevice struct {
	dev ledger.LedgerDevice
}

// OpenUSBDevice is a DeviceOpener for the first attached Ledger
func OpenUSBDevice(ctx context.Context) (Device, error) {
	admin := ledger.NewLedgerAdmin()
	if admin.CountDevices() == 0 {
		return nil, fmt.Errorf("no ledger device found")
	}
	dev, err := admin.Connect(0)
	if err != nil {
		return nil, err
	}
	return &USBDevice{dev: dev}, nil
}

func (d *USBDevice) PublicKey(ctx context.Context, path HDPath) ([]byte, error) {
	p := serializePath(path)
	cmd := append([]byte{apduCLA, insPublicKey, 0, 0, byte(len(p))}, p...)

	resp, err := d.exchange(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if len(resp) < publicKeyRespLen {
		return nil, fmt.Errorf("short public key response (%d bytes)", len(resp))
	}
	return resp[:publicKeyRespLen], nil
}

func (d *USBDevice) Sign(ctx context.Context, path HDPath, payload []byte) ([]byte, error) {
	chunks := [][]byte{serializePath(path)}
	for len(payload) > 0 {
		n := min(signChunkSize, len(payload))
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	if len(chunks) > 255 {
		return nil, fmt.Errorf("transaction too large for device")
	}

	var resp []byte
	for i, chunk := range chunks {
		cmd := append([]byte{apduCLA, insSign, byte(i + 1), byte(len(chunks)), byte(len(chunk))}, chunk...)
		r, err := d.exchange(ctx, cmd)
		if err != nil {
			if isDeclined(err) {
				return nil, fmt.Errorf("%w: declined on device", ErrSigningRejected)
			}
			return nil, err
		}
		resp = r
	}
	return derToCompact(resp)
}

func (d *USBDevice) Close() error {
	return d.dev.Close()
}

// exchange runs one APDU. The HID call itself cannot be interrupted, so a
// cancelled context returns early and leaves the exchange to finish or fail
// when the device is closed.
func (d *USBDevice) exchange(ctx context.Context, cmd []byte) ([]byte, error) {
	type result struct {
		resp []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := d.dev.Exchange(cmd)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// serializePath encodes the path as five little-endian uint32s with the
// first three hardened
func serializePath(p HDPath) []byte {
	out := make([]byte, 20)
	for i, v := range p {
		if i < 3 {
			v |= 0x80000000
		}
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// isDeclined recognizes the status word apps return when the user rejects
func isDeclined(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "6986") || strings.Contains(msg, "COMMAND_NOT_ALLOWED")
}

// derToCompact converts a DER ECDSA signature to 64-byte r||s with low S
func derToCompact(der []byte) ([]byte, error) {
	var sig struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("malformed device signature: %w", err)
	}

	n := crypto.S256().Params().N
	halfN := new(big.Int).Rsh(n, 1)
	if sig.S.Cmp(halfN) > 0 {
		sig.S = new(big.Int).Sub(n, sig.S)
	}

	out := make([]byte, 64)
	sig.R.FillBytes(out[:32])
	sig.S.FillBytes(out[32:])
	return out, nil
}
