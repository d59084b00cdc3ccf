// Package security implements CURVE key management and the broker's
// in-process ZAP responder. Keys live on disk in individual files,
// one keypair per role, readable only by their owner; the ZAP responder is
// a single process-wide actor built on the same zmq4 context every
// transport socket shares, since libzmq allows only one.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/garlick/flux-core/internal/ferr"
	"github.com/garlick/flux-core/internal/flog"
)

// ZAPEndpoint is the fixed inproc address libzmq expects the ZAP handler to
// be bound to; it is not configurable.
const ZAPEndpoint = "inproc://zeromq.zap.01"

// KeyPair is a CURVE long-term public/private key pair, held in Z85 text
// form the way zmq4's CURVE API wants it.
type KeyPair struct {
	Public  string
	Secret  string
}

// Generate creates a fresh CURVE keypair.
func Generate() (KeyPair, error) {
	pub, sec, err := zmq.NewCurveKeypair()
	if err != nil {
		return KeyPair{}, fmt.Errorf("security: generate keypair: %w", err)
	}
	return KeyPair{Public: pub, Secret: sec}, nil
}

// WriteKeyPair persists kp to path as "public\nsecret\n", mode 0600. It
// refuses to clobber an existing file unless force is set, matching
// keygen's documented behavior.
func WriteKeyPair(path string, kp KeyPair, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("security: %s already exists, use force to overwrite", path)
		}
	}
	data := []byte(kp.Public + "\n" + kp.Secret + "\n")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadKeyPair reads a keypair previously written by WriteKeyPair. It
// enforces the permission policy: a key file readable by
// group or world is rejected with EPERM rather than silently trusted.
func LoadKeyPair(path string) (KeyPair, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return KeyPair{}, fmt.Errorf("security: %s not found, run flux-keygen: %w", path, err)
		}
		return KeyPair{}, err
	}
	if fi.Mode().Perm()&0077 != 0 {
		return KeyPair{}, ferr.CertPermission("security: %s is group/world readable", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, err
	}
	lines := splitLines(string(data))
	if len(lines) < 2 || len(lines[0]) != 40 || len(lines[1]) != 40 {
		return KeyPair{}, fmt.Errorf("security: %s: malformed keypair file", path)
	}
	return KeyPair{Public: lines[0], Secret: lines[1]}, nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// CertStore is the in-memory certificate store: a map from CURVE public
// key (Z85 text) to role name. Per the broker's shared-resource policy it is
// mutated only before the reactor starts, or from within the ZAP callback
// (e.g. dynamic "authorize on first contact" policies some deployments
// use); reads happen on the ZAP goroutine.
type CertStore struct {
	mu      sync.RWMutex
	byPub   map[string]string // pubkey -> role name
}

func NewCertStore() *CertStore {
	return &CertStore{byPub: make(map[string]string)}
}

// Authorize records that pubkey may establish sessions, under the given
// role name (used as the ZAP "user-id" returned to the transport layer).
func (c *CertStore) Authorize(name, pubkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byPub[pubkey] = name
}

func (c *CertStore) Revoke(pubkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byPub, pubkey)
}

func (c *CertStore) Lookup(pubkey string) (name string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok = c.byPub[pubkey]
	return
}

// ZAPResponder is the process-wide CURVE authentication handler. libzmq
// only ever consults one ZAP handler per process, so this type enforces a
// singleton: a second Start call fails instead of silently shadowing the
// first.
type ZAPResponder struct {
	mu      sync.Mutex
	sock    *zmq.Socket
	store   *CertStore
	done    chan struct{}
	started bool
}

var (
	globalMu  sync.Mutex
	globalZAP *ZAPResponder
)

// StartZAP brings up the singleton ZAP responder bound to store. A second
// call anywhere in the process before the first is stopped returns an
// error: enabling it more than once is an error.
func StartZAP(ctx *zmq.Context, store *CertStore) (*ZAPResponder, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalZAP != nil {
		return nil, fmt.Errorf("security: ZAP responder already started in this process")
	}
	sock, err := ctx.NewSocket(zmq.REP)
	if err != nil {
		return nil, fmt.Errorf("security: ZAP socket: %w", err)
	}
	if err := sock.Bind(ZAPEndpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("security: ZAP bind: %w", err)
	}
	z := &ZAPResponder{sock: sock, store: store, done: make(chan struct{}), started: true}
	globalZAP = z
	go z.loop()
	return z, nil
}

// Stop tears down the responder so a later StartZAP may succeed again
// (mainly useful for tests that create multiple transports in sequence).
func (z *ZAPResponder) Stop() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if !z.started {
		return
	}
	z.started = false
	z.sock.Close()
	close(z.done)
	if globalZAP == z {
		globalZAP = nil
	}
}

// loop implements the 7-frame ZAP request/reply protocol by hand, per
// ZAP's 7-frame request layout: version, request-id, domain, address, identity, mechanism,
// client-key. We only support mechanism "CURVE".
func (z *ZAPResponder) loop() {
	for {
		frames, err := z.sock.RecvMessageBytes(0)
		if err != nil {
			select {
			case <-z.done:
				return
			default:
				flog.Errorf("security: ZAP recv: %v", err)
				return
			}
		}
		if len(frames) < 7 {
			flog.Warningln("security: malformed ZAP request, dropping")
			continue
		}
		version := frames[0]
		requestID := frames[1]
		mechanism := string(frames[5])
		clientKey := frames[6]

		var statusCode, statusText, userID string
		if mechanism != "CURVE" || len(clientKey) != 32 {
			statusCode, statusText = "400", "No access"
		} else {
			pub := zmq.Z85encode(string(clientKey))
			if name, ok := z.store.Lookup(pub); ok {
				statusCode, statusText, userID = "200", "OK", name
			} else {
				statusCode, statusText = "400", "No access"
			}
		}

		reply := [][]byte{
			version,
			requestID,
			[]byte(statusCode),
			[]byte(statusText),
			[]byte(userID),
			[]byte(""), // metadata
		}
		if _, err := z.sock.SendMessage(reply); err != nil {
			flog.Errorf("security: ZAP send: %v", err)
			return
		}
	}
}
