// Package auth implements the single-token bearer gate and SSH public key
// registration.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"nexus/internal/nexuserr"
)

// Gate holds the server's single bearer token and the registered SSH keys.
type Gate struct {
	Token       string
	keysPath    string
	mu          sync.Mutex
	loadedKeys  []SSHKey
}

// SSHKey is one registered public key, authorizing SSH session-attach.
type SSHKey struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// LoadOrCreate reads the token at tokenPath, generating and persisting a
// new one at 0600 if absent.
func LoadOrCreate(tokenPath, keysPath string) (*Gate, error) {
	token, err := os.ReadFile(tokenPath)
	if err == nil {
		return newGate(strings.TrimSpace(string(token)), keysPath)
	}
	if !os.IsNotExist(err) {
		return nil, nexuserr.Wrap(nexuserr.CodeInternal, "read token file", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeInternal, "generate token", err)
	}
	generated := hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(tokenPath), 0o755); err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeInternal, "create home directory", err)
	}
	if err := os.WriteFile(tokenPath, []byte(generated), 0o600); err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeInternal, "persist token", err)
	}
	return newGate(generated, keysPath)
}

func newGate(token, keysPath string) (*Gate, error) {
	g := &Gate{Token: token, keysPath: keysPath}
	if data, err := os.ReadFile(keysPath); err == nil {
		if err := json.Unmarshal(data, &g.loadedKeys); err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeInternal, "parse ssh keys file", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, nexuserr.Wrap(nexuserr.CodeInternal, "read ssh keys file", err)
	}
	return g, nil
}

// Authenticate checks the request's bearer token, bypassing the check
// entirely for loopback peers.
func (g *Gate) Authenticate(r *http.Request) error {
	if isLoopback(r.RemoteAddr) {
		return nil
	}

	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nexuserr.New(nexuserr.CodeUnauthenticated, "missing bearer token")
	}
	supplied := strings.TrimPrefix(header, prefix)
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(g.Token)) != 1 {
		return nexuserr.New(nexuserr.CodeUnauthenticated, "invalid bearer token")
	}
	return nil
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// RegisterSSHKey appends key to the persisted set.
func (g *Gate) RegisterSSHKey(key SSHKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.loadedKeys = append(g.loadedKeys, key)
	data, err := json.MarshalIndent(g.loadedKeys, "", "  ")
	if err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "marshal ssh keys", err)
	}
	if err := os.MkdirAll(filepath.Dir(g.keysPath), 0o755); err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "create home directory", err)
	}
	if err := os.WriteFile(g.keysPath, data, 0o600); err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "persist ssh keys", err)
	}
	return nil
}

// SSHKeys returns the currently registered keys.
func (g *Gate) SSHKeys() []SSHKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SSHKey(nil), g.loadedKeys...)
}
