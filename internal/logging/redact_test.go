package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

// newTestRedactingLogger creates a RedactingHandler wrapping a JSON handler
// that writes to the given buffer.
func newTestRedactingLogger(buf *bytes.Buffer) *slog.Logger {
	inner := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewRedactingHandler(inner))
}

func TestRedact_NormalValuesPassThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	logger.Info("escrow funded",
		"job_id", "5f0c7a7e-64b3-4cde-9f47-2e0c2f3ad6a1",
		"address", "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		"amount", 2000,
		"asset", "CAN-677",
	)

	output := buf.String()
	for _, expected := range []string{"5f0c7a7e", "0x8ba1f109551bD432803012645Ac136ddd64DBA72", "2000", "CAN-677"} {
		if !strings.Contains(output, expected) {
			t.Errorf("expected output to contain %q, got: %s", expected, output)
		}
	}
	if strings.Contains(output, "[REDACTED]") {
		t.Errorf("normal values should not be redacted, got: %s", output)
	}
}

func TestRedact_SensitiveFieldNames(t *testing.T) {
	keys := []string{"password", "keystore_password", "passphrase", "client_secret", "private_key", "credential_handle", "keystore", "mnemonic"}

	for _, key := range keys {
		t.Run(key, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newTestRedactingLogger(&buf)
			logger.Info("msg", key, "hunter2-value")

			output := buf.String()
			if strings.Contains(output, "hunter2-value") {
				t.Errorf("value under %q should be redacted, got: %s", key, output)
			}
			if !strings.Contains(output, "[REDACTED]") {
				t.Errorf("expected redaction marker, got: %s", output)
			}
		})
	}
}

func TestRedact_PrivateKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	key := "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	logger.Info("debug dump", "value", "key="+key)

	output := buf.String()
	if strings.Contains(output, key) {
		t.Errorf("private key should be redacted, got: %s", output)
	}
	if !strings.Contains(output, "0x4c08...2318") {
		t.Errorf("expected truncated key, got: %s", output)
	}
}

func TestRedact_LongHexStrings(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	sig := strings.Repeat("ab", 65)
	logger.Info("signed", "tx", sig)

	output := buf.String()
	if strings.Contains(output, sig) {
		t.Errorf("long hex should be redacted, got: %s", output)
	}
	if !strings.Contains(output, "abababab...[REDACTED]") {
		t.Errorf("expected redacted prefix, got: %s", output)
	}
}

func TestRedact_KeystoreCiphertext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	blob := `{"crypto":{"cipher":"aes-128-ctr","ciphertext":"0a1b2c3d4e5f"}}`
	logger.Info("record", "raw", blob)

	output := buf.String()
	if strings.Contains(output, "0a1b2c3d4e5f") {
		t.Errorf("ciphertext should be redacted, got: %s", output)
	}
}

func TestRedact_PairingKey(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	logger.Info("bridge session", "uri", "wc:8a5e5bdc@1?bridge=https%3A%2F%2Frelay.example.org&key=41791102999c339c844880b23950704cc43aa840f3739e365323cda4dfa89e7a")

	output := buf.String()
	if strings.Contains(output, "41791102999c") {
		t.Errorf("pairing key leaked: %s", output)
	}
	if !strings.Contains(output, "wc:8a5e5bdc@1") || !strings.Contains(output, "key=[REDACTED]") {
		t.Errorf("expected topic kept and key redacted, got: %s", output)
	}
}

func TestRedact_MessageIsScanned(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	key := "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	logger.Info("failed to import " + key)

	if strings.Contains(buf.String(), key) {
		t.Errorf("message should be redacted, got: %s", buf.String())
	}
}

func TestRedact_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewRedactingHandler(inner).WithAttrs([]slog.Attr{slog.String("password", "pw123")})

	slog.New(handler).Info("connected")

	if strings.Contains(buf.String(), "pw123") {
		t.Errorf("WithAttrs value should be redacted, got: %s", buf.String())
	}
}

func TestRedact_Groups(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	logger.Info("record", slog.Group("wallet", slog.String("address", "0xabc"), slog.String("keystore", "blob")))

	output := buf.String()
	if strings.Contains(output, "blob") {
		t.Errorf("grouped keystore should be redacted, got: %s", output)
	}
	if !strings.Contains(output, "0xabc") {
		t.Errorf("grouped address should pass through, got: %s", output)
	}
}

func TestNewRedactingHandler_NoDoubleWrap(t *testing.T) {
	inner := slog.NewJSONHandler(&bytes.Buffer{}, nil)
	h1 := NewRedactingHandler(inner)
	h2 := NewRedactingHandler(h1)
	if h1 != h2 {
		t.Error("wrapping a RedactingHandler should return it unchanged")
	}
}
