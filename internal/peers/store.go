// internal/peers/store.go
//
// Bonded-peer registry, sealed at rest. The on-disk file is JSON wrapped
// in an XChaCha20-Poly1305 envelope whose key lives in the OS keyring.
// When the keyring is unreachable (headless boxes, CI) the registry falls
// back to plaintext JSON with 0600 perms, and Load accepts either shape.
package peers

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keyringService = "pairlink"
	keyringAccount = "peers-key"

	sealAAD = "PairLink peers v1"
)

// Peer is one bonded device eligible for an out-of-band connection.
type Peer struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	KeyHex string `json:"key_hex,omitempty"`
}

type peersFile struct {
	Peers []Peer `json:"peers"`
}

type sealedFileV1 struct {
	V        int    `json:"v"`
	Alg      string `json:"alg"` // "xchacha20poly1305"
	NonceB64 string `json:"nonce_b64"`
	CtB64    string `json:"ct_b64"`
}

// KeyFunc yields the 32-byte sealing key. The default pulls it from the
// OS keyring, creating it on first use.
type KeyFunc func() ([]byte, error)

// Registry holds the bonded-peer set backed by one file.
type Registry struct {
	path  string
	keyfn KeyFunc

	mu    sync.Mutex
	peers []Peer
}

// Open loads the registry at path. A missing file is an empty registry,
// not an error.
func Open(path string) (*Registry, error) {
	return OpenWithKey(path, keyringKey)
}

// OpenWithKey is Open with an explicit sealing-key source. A nil keyfn
// disables sealing entirely (plaintext file).
func OpenWithKey(path string, keyfn KeyFunc) (*Registry, error) {
	r := &Registry{path: path, keyfn: keyfn}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// BondedCount reports how many bonded peers are registered. Satisfies
// the channel's eligibility check.
func (r *Registry) BondedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Peers returns a copy of the registered peers.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Peer(nil), r.peers...)
}

// Add registers or updates a peer and persists the registry.
func (r *Registry) Add(p Peer) error {
	if p.ID == "" {
		return fmt.Errorf("peer id required")
	}
	r.mu.Lock()
	replaced := false
	for i := range r.peers {
		if r.peers[i].ID == p.ID {
			r.peers[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		r.peers = append(r.peers, p)
	}
	snapshot := peersFile{Peers: append([]Peer(nil), r.peers...)}
	r.mu.Unlock()

	return r.save(snapshot)
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading peers file %q: %w", r.path, err)
	}

	// Sealed wrapper first, plaintext fallback.
	var wrap sealedFileV1
	if err := json.Unmarshal(data, &wrap); err == nil && wrap.V == 1 && wrap.Alg == "xchacha20poly1305" && wrap.NonceB64 != "" && wrap.CtB64 != "" {
		pt, err := r.unseal(&wrap)
		if err != nil {
			return fmt.Errorf("unseal peers file %q: %w", r.path, err)
		}
		data = pt
	}

	var pf peersFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing peers file %q: %w", r.path, err)
	}
	for _, p := range pf.Peers {
		if p.ID == "" {
			return fmt.Errorf("peer with empty id in %q", r.path)
		}
	}

	r.mu.Lock()
	r.peers = pf.Peers
	r.mu.Unlock()
	return nil
}

func (r *Registry) save(pf peersFile) error {
	pt, err := json.MarshalIndent(&pf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal peers json: %w", err)
	}

	if r.keyfn == nil {
		return atomicWrite0600(r.path, pt)
	}

	key, err := r.keyfn()
	if err != nil {
		logrus.Warnf("keyring unavailable (%v); writing plaintext peers file with 0600 perms", err)
		return atomicWrite0600(r.path, pt)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("NewX: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("rand nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, pt, []byte(sealAAD))

	wrap := sealedFileV1{
		V:        1,
		Alg:      "xchacha20poly1305",
		NonceB64: base64.StdEncoding.EncodeToString(nonce),
		CtB64:    base64.StdEncoding.EncodeToString(ct),
	}
	out, err := json.MarshalIndent(&wrap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sealed wrapper: %w", err)
	}
	return atomicWrite0600(r.path, out)
}

func (r *Registry) unseal(wrap *sealedFileV1) ([]byte, error) {
	if r.keyfn == nil {
		return nil, fmt.Errorf("sealed file but no sealing key configured")
	}
	key, err := r.keyfn()
	if err != nil {
		return nil, fmt.Errorf("sealing key unavailable: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("NewX: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(wrap.NonceB64)
	if err != nil {
		return nil, fmt.Errorf("decode nonce_b64: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(wrap.CtB64)
	if err != nil {
		return nil, fmt.Errorf("decode ct_b64: %w", err)
	}
	return aead.Open(nil, nonce, ct, []byte(sealAAD))
}

// keyringKey fetches the sealing key from the OS keyring, creating it on
// first use. Stored value = base64(32 bytes).
func keyringKey() ([]byte, error) {
	s, err := keyring.Get(keyringService, keyringAccount)
	if err == nil && s != "" {
		b, derr := base64.StdEncoding.DecodeString(s)
		if derr != nil {
			return nil, fmt.Errorf("keyring key invalid base64: %w", derr)
		}
		if len(b) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("keyring key wrong length: got %d want %d", len(b), chacha20poly1305.KeySize)
		}
		return b, nil
	}

	// Not found (sentinel differs by platform, so treat any error as
	// "maybe missing") -> create it.
	key := make([]byte, chacha20poly1305.KeySize)
	if _, rerr := rand.Read(key); rerr != nil {
		return nil, fmt.Errorf("rand peers key: %w", rerr)
	}
	if serr := keyring.Set(keyringService, keyringAccount, base64.StdEncoding.EncodeToString(key)); serr != nil {
		return nil, serr
	}
	return key, nil
}

func atomicWrite0600(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
