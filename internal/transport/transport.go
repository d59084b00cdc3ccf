// Package transport implements the broker's CURVE-authenticated ZMQ
// sockets: at most one bind (ROUTER) socket, enabled iff the local
// rank has children, and at most one dealer socket per parent link,
// enabled iff rank > 0. Route manipulation on send/receive is done here,
// not in overlay, so overlay only ever sees fully-addressed or
// fully-stripped messages.
package transport

import (
	"errors"
	"fmt"
	"strconv"
	"syscall"

	zmq "github.com/pebbe/zmq4"

	"github.com/garlick/flux-core/internal/ferr"
	"github.com/garlick/flux-core/internal/message"
	"github.com/garlick/flux-core/internal/security"
)

// Transport owns the process's zmq4 Context and CURVE identity, and lazily
// brings up the shared ZAP responder. Only one Transport may
// exist in a process at a time.
type Transport struct {
	ctx   *zmq.Context
	zap   *security.ZAPResponder
	store *security.CertStore
	self  security.KeyPair
	rank  int

	bind   *zmq.Socket // router, nil unless this rank has children
	dealer *zmq.Socket // dealer to parent, nil at rank 0
}

// Config carries what New needs to stand up sockets for one broker rank.
type Config struct {
	Rank       int
	Self       security.KeyPair
	Store      *security.CertStore
	BindURI    string // "" if this rank has no children
	ParentURI  string // "" at rank 0
	ParentPub  string // parent's CURVE public key, required if ParentURI != ""
}

// New creates the zmq context, starts the process-wide ZAP responder (if
// not already running), and brings up whichever sockets cfg calls for.
func New(cfg Config) (*Transport, error) {
	ctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("transport: new context: %w", err)
	}
	zap, err := security.StartZAP(ctx, cfg.Store)
	if err != nil {
		ctx.Term()
		return nil, err
	}
	t := &Transport{ctx: ctx, zap: zap, store: cfg.Store, self: cfg.Self, rank: cfg.Rank}

	if cfg.BindURI != "" {
		sock, err := ctx.NewSocket(zmq.ROUTER)
		if err != nil {
			t.Close()
			return nil, err
		}
		if err := sock.SetCurveServer(1); err != nil {
			t.Close()
			return nil, err
		}
		if err := sock.SetCurveSecretkey(cfg.Self.Secret); err != nil {
			t.Close()
			return nil, err
		}
		if err := sock.SetRouterMandatory(1); err != nil {
			t.Close()
			return nil, err
		}
		if err := sock.Bind(cfg.BindURI); err != nil {
			t.Close()
			return nil, fmt.Errorf("transport: bind %s: %w", cfg.BindURI, err)
		}
		t.bind = sock
	}

	if cfg.ParentURI != "" {
		sock, err := ctx.NewSocket(zmq.DEALER)
		if err != nil {
			t.Close()
			return nil, err
		}
		if err := sock.SetCurveServerkey(cfg.ParentPub); err != nil {
			t.Close()
			return nil, err
		}
		if err := sock.SetCurvePublickey(cfg.Self.Public); err != nil {
			t.Close()
			return nil, err
		}
		if err := sock.SetCurveSecretkey(cfg.Self.Secret); err != nil {
			t.Close()
			return nil, err
		}
		if err := sock.SetIdentity(strconv.Itoa(cfg.Rank)); err != nil {
			t.Close()
			return nil, err
		}
		if err := sock.Connect(cfg.ParentURI); err != nil {
			t.Close()
			return nil, fmt.Errorf("transport: connect %s: %w", cfg.ParentURI, err)
		}
		t.dealer = sock
	}

	return t, nil
}

func (t *Transport) HasBind() bool   { return t.bind != nil }
func (t *Transport) HasDealer() bool { return t.dealer != nil }

// RecvFromChild reads one message arriving on the bind socket. The router
// socket prepends the sending peer's identity frame; that becomes the top
// of the message's route stack (the "routing hop", distinct from any
// application-level route frames already present).
func (t *Transport) RecvFromChild() (*message.Message, string, error) {
	if t.bind == nil {
		return nil, "", ferr.ProtocolViolation("transport: no bind socket on this rank")
	}
	parts, err := t.bind.RecvMessageBytes(0)
	if err != nil {
		return nil, "", err
	}
	if len(parts) < 1 {
		return nil, "", ferr.ProtocolViolation("transport: empty router receive")
	}
	peerID := string(parts[0])
	m, err := message.FromFrames(parts[1:])
	if err != nil {
		return nil, "", err
	}
	return m, peerID, nil
}

// SendToChild sends m to the child identified by peerID on the bind
// socket. A send to an unknown/disconnected peer fails with
// host-unreachable under mandatory routing; the overlay uses that failure
// to detect child disconnects.
func (t *Transport) SendToChild(peerID string, m *message.Message) error {
	if t.bind == nil {
		return ferr.ProtocolViolation("transport: no bind socket on this rank")
	}
	frames := append([][]byte{[]byte(peerID)}, m.ToFrames()...)
	_, err := t.bind.SendMessage(frames)
	if isHostUnreachable(err) {
		return ferr.HostUnreachable(fmt.Sprintf("transport: peer %s unreachable", peerID))
	}
	return err
}

// RecvFromParent reads one message arriving on the dealer socket. Dealer
// sockets do not prepend any routing frame.
func (t *Transport) RecvFromParent() (*message.Message, error) {
	if t.dealer == nil {
		return nil, ferr.ProtocolViolation("transport: no dealer socket on this rank")
	}
	parts, err := t.dealer.RecvMessageBytes(0)
	if err != nil {
		return nil, err
	}
	return message.FromFrames(parts)
}

// SendToParent sends m upstream via the dealer socket.
func (t *Transport) SendToParent(m *message.Message) error {
	if t.dealer == nil {
		return ferr.ProtocolViolation("transport: no dealer socket on this rank")
	}
	_, err := t.dealer.SendMessage(m.ToFrames())
	return err
}

func isHostUnreachable(err error) bool {
	if err == nil {
		return false
	}
	var errno zmq.Errno
	if errors.As(err, &errno) {
		return syscall.Errno(errno) == syscall.EHOSTUNREACH
	}
	return errors.Is(err, syscall.EHOSTUNREACH)
}

// Close tears down sockets and the ZAP responder/context in reverse order
// of creation.
func (t *Transport) Close() {
	if t.dealer != nil {
		t.dealer.Close()
	}
	if t.bind != nil {
		t.bind.Close()
	}
	if t.zap != nil {
		t.zap.Stop()
	}
	if t.ctx != nil {
		t.ctx.Term()
	}
}
