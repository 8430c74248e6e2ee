package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback creates an ssh.HostKeyCallback for the given known_hosts
// file path. If path is empty, host key checking is disabled. Otherwise, the
// callback verifies host keys against the file, automatically adding unknown
// hosts on first connection (trust on first use / TOFU). A leading "~/" is
// expanded to the home directory.
//
// The parent directory and file are created if they don't exist.
func NewHostKeyCallback(path string, log logr.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		log.Info("SSH host key checking is disabled")
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}

	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}

	// Create the file if it doesn't exist.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return nil, fmt.Errorf("creating known_hosts file: %w", err)
		}
		_ = f.Close()
	}

	// Load existing known hosts.
	hostKeyCallback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	// Wrap the callback to implement trust-on-first-use (TOFU). Keys learned
	// here are remembered in memory too; knownhosts only reads the file once.
	var (
		mu      sync.Mutex
		learned = map[string]string{}
	)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := hostKeyCallback(hostname, remote, key)
		if err == nil {
			return nil
		}

		// Check if this is a "key not found" error (unknown host).
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}

		// If Want is non-empty, the host exists but with a different key.
		// This is a potential MITM attack - reject it.
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hostname, err)
		}

		// Unknown host - add it (TOFU).
		normalizedHost := knownhosts.Normalize(hostname)
		marshaled := string(key.Marshal())

		mu.Lock()
		defer mu.Unlock()

		if prev, ok := learned[normalizedHost]; ok {
			if prev == marshaled {
				return nil
			}
			return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hostname, err)
		}

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return fmt.Errorf("opening known_hosts for writing: %w", err)
		}
		defer f.Close()

		line := knownhosts.Line([]string{normalizedHost}, key)
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("writing to known_hosts: %w", err)
		}
		learned[normalizedHost] = marshaled

		log.Info("Added SSH host key", "Host", hostname, "KnownHosts", path, "Fingerprint", ssh.FingerprintSHA256(key))
		return nil
	}, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}
	return filepath.Join(home, path[2:]), nil
}
