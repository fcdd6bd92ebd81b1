package wallet

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/99designs/keyring"
)

// PasswordSource supplies a keystore password when a signature needs one.
// Prompting implementations may block on the user.
type PasswordSource interface {
	Password(ctx context.Context) (string, error)
}

// StaticPassword is a fixed password
type StaticPassword string

func (p StaticPassword) Password(context.Context) (string, error) {
	return string(p), nil
}

// PasswordFunc adapts a function, typically an interactive prompt
type PasswordFunc func(ctx context.Context) (string, error)

func (f PasswordFunc) Password(ctx context.Context) (string, error) {
	return f(ctx)
}

// ErrNoPassword is returned when no stored password exists
var ErrNoPassword = errors.New("no stored password")

// FirstOf tries each source in order and returns the first password found.
// Sources that fail with ErrNoPassword are skipped.
func FirstOf(sources ...PasswordSource) PasswordSource {
	return PasswordFunc(func(ctx context.Context) (string, error) {
		for _, s := range sources {
			pw, err := s.Password(ctx)
			if errors.Is(err, ErrNoPassword) {
				continue
			}
			return pw, err
		}
		return "", ErrNoPassword
	})
}

const keystorePasswordKey = "keystore-password"

// KeyringPasswords keeps the keystore password in the platform keyring.
// On macOS: Keychain. On Linux: Secret Service (GNOME Keyring / KDE Wallet).
type KeyringPasswords struct {
	Service string
}

// Password retrieves the stored password, ErrNoPassword if none is stored
func (k KeyringPasswords) Password(context.Context) (string, error) {
	ring, _, err := openKeyring(k.Service)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoPassword, err)
	}

	item, err := ring.Get(keystorePasswordKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNoPassword
	}
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

// Store saves the password and returns the backend name it went to
func (k KeyringPasswords) Store(password string) (string, error) {
	ring, backend, err := openKeyring(k.Service)
	if err != nil {
		return "", err
	}

	err = ring.Set(keyring.Item{
		Key:         keystorePasswordKey,
		Data:        []byte(password),
		Label:       "jobescrow keystore password",
		Description: "Password for the connected escrow wallet keystore",
	})
	if err != nil {
		return "", fmt.Errorf("failed to store in %s: %w", backend, err)
	}
	return backend, nil
}

// Delete removes the stored password
func (k KeyringPasswords) Delete() error {
	ring, _, err := openKeyring(k.Service)
	if err != nil {
		return err
	}
	err = ring.Remove(keystorePasswordKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}

// openKeyring opens the platform-native keyring and returns the backend name.
func openKeyring(service string) (keyring.Keyring, string, error) {
	backends := platformKeyringBackends()
	if len(backends) == 0 {
		return nil, "", fmt.Errorf("no keyring backend available on %s", runtime.GOOS)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    service,
		AllowedBackends:                backends,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
		KeychainSynchronizable:         false,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to open keyring: %w", err)
	}

	return ring, keyringBackendName(), nil
}

func platformKeyringBackends() []keyring.BackendType {
	switch runtime.GOOS {
	case "darwin":
		return []keyring.BackendType{keyring.KeychainBackend}
	case "linux":
		return []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
		}
	default:
		return nil
	}
}

func keyringBackendName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "linux":
		return "Secret Service (GNOME Keyring / KDE Wallet)"
	default:
		return "system keyring"
	}
}
