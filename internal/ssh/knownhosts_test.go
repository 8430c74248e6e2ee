package ssh

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type hostKeyCheck struct {
	host    string
	key     ssh.Signer
	wantErr bool
}

func (c hostKeyCheck) run(t *testing.T, cb ssh.HostKeyCallback) {
	t.Helper()

	ip, _, err := net.SplitHostPort(c.host)
	require.NoError(t, err)
	err = cb(c.host, &net.TCPAddr{IP: net.ParseIP(ip), Port: 22}, c.key.PublicKey())
	if c.wantErr {
		require.ErrorContains(t, err, "host key mismatch")
		return
	}
	require.NoError(t, err)
}

func TestHostKeyCallbackTOFU(t *testing.T) {
	t.Parallel()

	keyA := mustGenerateKey(t)
	keyB := mustGenerateKey(t)

	tests := []struct {
		name string
		// before runs against one callback, after against a fresh one
		// loaded from the same file.
		before, after []hostKeyCheck
		wantLines     int
	}{
		{
			name:      "unknown host is learned",
			before:    []hostKeyCheck{{host: "192.0.2.1:22", key: keyA}},
			after:     []hostKeyCheck{{host: "192.0.2.1:22", key: keyA}},
			wantLines: 1,
		},
		{
			name:      "changed key is rejected after reload",
			before:    []hostKeyCheck{{host: "192.0.2.1:22", key: keyA}},
			after:     []hostKeyCheck{{host: "192.0.2.1:22", key: keyB, wantErr: true}},
			wantLines: 1,
		},
		{
			name: "changed key is rejected without reload",
			before: []hostKeyCheck{
				{host: "192.0.2.1:22", key: keyA},
				{host: "192.0.2.1:22", key: keyA},
				{host: "192.0.2.1:22", key: keyB, wantErr: true},
			},
			wantLines: 1,
		},
		{
			name: "hosts keep separate keys",
			before: []hostKeyCheck{
				{host: "192.0.2.1:22", key: keyA},
				{host: "192.0.2.2:22", key: keyB},
			},
			after: []hostKeyCheck{
				{host: "192.0.2.1:22", key: keyA},
				{host: "192.0.2.2:22", key: keyB},
			},
			wantLines: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "known_hosts")
			cb, err := NewHostKeyCallback(path, testr.New(t))
			require.NoError(t, err)
			for _, c := range tt.before {
				c.run(t, cb)
			}

			cb, err = NewHostKeyCallback(path, testr.New(t))
			require.NoError(t, err)
			for _, c := range tt.after {
				c.run(t, cb)
			}

			data, err := os.ReadFile(path) //nolint:gosec // Test path from t.TempDir().
			require.NoError(t, err)
			require.Equal(t, tt.wantLines, strings.Count(string(data), "\n"))
		})
	}
}

func TestHostKeyCallbackDisabled(t *testing.T) {
	t.Parallel()

	cb, err := NewHostKeyCallback("", testr.New(t))
	require.NoError(t, err)
	hostKeyCheck{host: "192.0.2.1:22", key: mustGenerateKey(t)}.run(t, cb)
}

func TestHostKeyCallbackCreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "subdir", "known_hosts")
	_, err := NewHostKeyCallback(path, testr.New(t))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestHostKeyCallbackExistingEntry(t *testing.T) {
	t.Parallel()

	key := mustGenerateKey(t)
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize("192.0.2.1:22")}, key.PublicKey())
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))

	cb, err := NewHostKeyCallback(path, testr.New(t))
	require.NoError(t, err)
	hostKeyCheck{host: "192.0.2.1:22", key: key}.run(t, cb)
	hostKeyCheck{host: "192.0.2.1:22", key: mustGenerateKey(t), wantErr: true}.run(t, cb)
}

func TestExpandHome(t *testing.T) {
	t.Parallel()

	got, err := expandHome("/etc/ssh/known_hosts")
	require.NoError(t, err)
	require.Equal(t, "/etc/ssh/known_hosts", got)

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err = expandHome("~/.ssh/known_hosts")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".ssh", "known_hosts"), got)
}
