// Package overlay binds the message codec, transport, topology and
// dispatch components into the broker's routing engine: it decides, for
// every message handed to Send, whether it travels upstream to the parent,
// downstream to a specific child, or is delivered to the local dispatcher;
// it tracks child liveness via keepalives and a periodic sync tick; and it
// implements the two RPCs (overlay.monitor, overlay.pause) that exercise
// that liveness tracking end-to-end.
package overlay

import (
	"fmt"
	"strconv"
	"time"

	"github.com/garlick/flux-core/internal/dispatch"
	"github.com/garlick/flux-core/internal/ferr"
	"github.com/garlick/flux-core/internal/flog"
	"github.com/garlick/flux-core/internal/idset"
	"github.com/garlick/flux-core/internal/message"
	"github.com/garlick/flux-core/internal/reactor"
	"github.com/garlick/flux-core/internal/route"
	"github.com/garlick/flux-core/internal/tick"
	"github.com/garlick/flux-core/internal/topology"
	"github.com/garlick/flux-core/internal/transport"
)

// Peer is one direct child's liveness entry.
type Peer struct {
	Rank      int
	UUID      string
	LastSeen  time.Time
	Connected bool
	Idle      bool
	TestPause bool
}

// MonitorUpdate is one delta record pushed to overlay.monitor subscribers.
type MonitorUpdate struct {
	Rank      int    `json:"rank"`
	Connected bool   `json:"connected"`
	Idle      bool   `json:"idle"`
	Reason    string `json:"reason,omitempty"`
}

// Config carries what New needs beyond the transport (which the caller
// builds separately, since it needs security material overlay doesn't
// touch).
type Config struct {
	Rank     int
	Tree     topology.Tree
	SyncMin  time.Duration
	SyncMax  time.Duration
	IdleMin  time.Duration
	IdleMax  time.Duration
}

type monitorSub struct {
	req  *message.Message
	from string
}

// Overlay is the routing engine for one broker process.
type Overlay struct {
	rank int
	self string
	tree topology.Tree
	cfg  Config

	transport *transport.Transport
	disp      *dispatch.Dispatcher
	r         *reactor.Reactor
	ticker    *tick.Ticker

	parentUUID string
	peers      map[int]*Peer    // by rank
	peersByID  map[string]*Peer // by uuid
	connected  *idset.Set       // ranks of currently-connected children

	monitorSubs []*monitorSub

	childW  *reactor.FDWatcher
	parentW *reactor.FDWatcher

	paused       bool
	backlog      []*message.Message
	lastUpstream time.Time
	lastTick     time.Time

	reqCount  int
	pingCount int

	stopped bool
}

// uuidFor synthesizes a peer uuid deterministically from its rank, per the
// wire convention: no real peer identity ever leaves the process.
func uuidFor(rank int) string { return strconv.Itoa(rank) }

// New constructs an Overlay for the given rank's topology position and
// wires a Dispatcher bound to it (the overlay implements dispatch.Sender).
// Call Start once the transport is ready to begin the event loop wiring.
func New(cfg Config, tr *transport.Transport) *Overlay {
	ov := &Overlay{
		rank:      cfg.Rank,
		self:      uuidFor(cfg.Rank),
		tree:      cfg.Tree,
		cfg:       cfg,
		transport: tr,
		peers:     make(map[int]*Peer),
		peersByID: make(map[string]*Peer),
		connected: idset.New(),
	}
	if cfg.Rank > 0 {
		if p, ok := tr2parent(cfg.Tree, cfg.Rank); ok {
			ov.parentUUID = uuidFor(p)
		}
	}
	for _, c := range cfg.Tree.Children(cfg.Rank) {
		p := &Peer{Rank: c, UUID: uuidFor(c)}
		ov.peers[c] = p
		ov.peersByID[p.UUID] = p
	}
	return ov
}

func tr2parent(tr topology.Tree, r int) (int, bool) { return tr.Parent(r) }

// Dispatcher returns the bound dispatcher, for registering handlers.
func (ov *Overlay) Dispatcher() *dispatch.Dispatcher { return ov.disp }

// Start wires the dispatcher, registers the built-in overlay.* handlers,
// brings up the sync tick, and begins servicing the transport's sockets on
// r. It must be called exactly once.
func (ov *Overlay) Start(r *reactor.Reactor) {
	ov.r = r
	ov.disp = dispatch.New(r, ov)
	ov.registerBuiltins()

	min := ov.cfg.SyncMin
	if min <= 0 {
		min = 2 * time.Second
	}
	max := ov.cfg.SyncMax
	if max <= 0 {
		max = 10 * time.Second
	}
	ov.lastTick = time.Now()
	ov.ticker = tick.Create(r, min)
	ov.ticker.Then(ov.onSyncTick, max)

	if ov.transport.HasBind() {
		ov.childW = ov.watchChild(r)
		ov.childW.Start()
	}
	if ov.transport.HasDealer() {
		ov.parentW = ov.watchParent(r)
		ov.parentW.Start()
	}
}

// watchChild and watchParent wrap the blocking socket receives in FD
// watchers: the watcher's helper goroutine blocks in one receive at a time
// and the handler runs on the reactor thread, so overlay state stays
// single-writer.
func (ov *Overlay) watchChild(r *reactor.Reactor) *reactor.FDWatcher {
	var m *message.Message
	var peerID string
	return reactor.NewFD(r, func() (err error) {
		m, peerID, err = ov.transport.RecvFromChild()
		return err
	}, func(err error) {
		if err != nil {
			if !ov.stopped {
				flog.Errorf("overlay: recv from child: %v", err)
			}
			return
		}
		ov.handleFromChild(m, peerID)
	})
}

func (ov *Overlay) watchParent(r *reactor.Reactor) *reactor.FDWatcher {
	var m *message.Message
	return reactor.NewFD(r, func() (err error) {
		m, err = ov.transport.RecvFromParent()
		return err
	}, func(err error) {
		if err != nil {
			if !ov.stopped {
				flog.Errorf("overlay: recv from parent: %v", err)
			}
			return
		}
		ov.handleFromParent(m)
	})
}

func (ov *Overlay) registerBuiltins() {
	ov.disp.Register(dispatch.MaskRequest, "overlay.monitor", message.RoleAll, ov.handleMonitor)
	ov.disp.Register(dispatch.MaskRequest, "overlay.monitor.cancel", message.RoleAll, ov.handleMonitorCancel)
	ov.disp.Register(dispatch.MaskRequest, "overlay.pause", message.RoleAll, ov.handlePause)
	ov.disp.Register(dispatch.MaskRequest, "overlay.ping", message.RoleAll, ov.handlePing)
	ov.disp.Register(dispatch.MaskRequest, "overlay.stats.get", message.RoleAll, ov.handleStatsGet)
	ov.disp.Register(dispatch.MaskRequest, "overlay.stats.clear", message.RoleAll, ov.handleStatsClear)
}

// Stop tears down the transport and terminates any pending streaming RPCs
// with a terminal error, as if the server had shut down.
func (ov *Overlay) Stop() {
	ov.stopped = true
	if ov.childW != nil {
		ov.childW.Stop()
	}
	if ov.parentW != nil {
		ov.parentW.Stop()
	}
	for _, sub := range ov.monitorSubs {
		_ = dispatch.Respond(ov, sub.req, nil, ferr.NoData("overlay.monitor: server shutting down"))
	}
	ov.monitorSubs = nil
	if ov.ticker != nil {
		ov.ticker.Stop()
	}
	ov.transport.Close()
}

//
// receive path
//

func (ov *Overlay) handleFromParent(m *message.Message) {
	switch m.Type() {
	case message.Response:
		ov.disp.Handle(m, "")
	case message.Request:
		ov.routeOrDeliverRequest(m, "")
	case message.Event:
		m.SetRouteStackEnabled(false)
		ov.disp.Handle(m, "")
	case message.Keepalive:
		flog.Warningln("overlay: unexpected keepalive received from parent link")
	}
}

func (ov *Overlay) handleFromChild(m *message.Message, peerID string) {
	peer := ov.peersByID[peerID]
	if peer == nil {
		flog.Warningf("overlay: message from unrecognized peer %q, dropping", peerID)
		return
	}
	peer.LastSeen = time.Now()
	if !peer.Connected {
		peer.Connected = true
		ov.connected.Add(peer.Rank)
		ov.broadcastUpdate(MonitorUpdate{Rank: peer.Rank, Connected: true, Idle: peer.Idle, Reason: "connected"})
	}

	switch m.Type() {
	case message.Keepalive:
		ov.handleKeepalive(peer, m)
	case message.Response:
		if top, err := m.LastRoute(); err == nil && top == ov.self {
			_, _ = m.PopRoute()
		}
		if m.RouteCount() == 0 {
			ov.disp.Handle(m, peerID)
		} else {
			if err := ov.Send(m, route.Any); err != nil {
				flog.Warningf("overlay: forwarding response: %v", err)
			}
		}
	case message.Request:
		ov.routeOrDeliverRequest(m, peerID)
	case message.Event:
		ov.disp.Handle(m, peerID)
	}
}

func (ov *Overlay) handleKeepalive(peer *Peer, m *message.Message) {
	status, _ := m.Status()
	switch status {
	case message.StatusNormal:
		peer.TestPause = false
		if peer.Idle {
			ov.setPeerIdle(peer, false, "no longer idle")
		}
	case message.StatusDisconnect:
		ov.markDisconnected(peer, "peer sent disconnect keepalive")
	case message.StatusTestPause:
		peer.TestPause = true
		ov.setPeerIdle(peer, true, "idle for test-pause")
	}
}

func (ov *Overlay) routeOrDeliverRequest(m *message.Message, from string) {
	nodeid, err := m.NodeID()
	if err != nil {
		flog.Warningf("overlay: request with no nodeid: %v", err)
		return
	}
	if int(nodeid) == ov.rank {
		ov.reqCount++
		ov.disp.Handle(m, from)
		return
	}
	if err := ov.Send(m, route.Any); err != nil {
		flog.Warningf("overlay: routing request toward %d: %v", nodeid, err)
	}
}

func (ov *Overlay) markDisconnected(peer *Peer, reason string) {
	if !peer.Connected {
		return
	}
	peer.Connected = false
	peer.Idle = false
	ov.connected.Remove(peer.Rank)
	ov.broadcastUpdate(MonitorUpdate{Rank: peer.Rank, Connected: false, Idle: false, Reason: reason})
	if ov.disp != nil {
		ov.disp.NotifyDisconnect(peer.UUID)
	}
}

func (ov *Overlay) setPeerIdle(peer *Peer, idle bool, reason string) {
	if peer.Idle == idle {
		return
	}
	peer.Idle = idle
	ov.broadcastUpdate(MonitorUpdate{Rank: peer.Rank, Connected: peer.Connected, Idle: idle, Reason: reason})
}

//
// send path
//

// Send implements dispatch.Sender: it is the single routing decision point
// every outbound message (locally originated or forwarded) passes through.
func (ov *Overlay) Send(m *message.Message, where route.Where) error {
	switch m.Type() {
	case message.Request:
		return ov.sendRequest(m, where)
	case message.Response:
		return ov.sendResponse(m, where)
	case message.Event:
		return ov.sendEvent(m, where)
	case message.Keepalive:
		return ov.toParent(m)
	default:
		return ferr.ProtocolViolation("overlay: send of message with unknown type")
	}
}

func (ov *Overlay) sendRequest(m *message.Message, where route.Where) error {
	if where == route.Upstream {
		return ov.pushAndSendUpstream(m)
	}
	nodeid, err := m.NodeID()
	if err != nil {
		return err
	}
	if where == route.Any && m.HasUpstreamHint() && int(nodeid) == ov.rank {
		// An upstream-hint request naming the local rank climbs toward
		// the root instead of being delivered here.
		return ov.pushAndSendUpstream(m)
	}
	if where != route.Downstream && int(nodeid) == ov.rank {
		ov.reqCount++
		ov.disp.Handle(m, "")
		return nil
	}
	idx, ok := ov.tree.ChildRoute(ov.rank, int(nodeid))
	if !ok {
		return ov.pushAndSendUpstream(m)
	}
	childRank, _ := ov.tree.Child(ov.rank, idx)
	cp := m.Copy(false)
	if !cp.RouteStackEnabled() {
		cp.SetRouteStackEnabled(true)
	}
	if err := cp.PushRoute(ov.self); err != nil {
		return err
	}
	if err := cp.PushRoute(uuidFor(childRank)); err != nil {
		return err
	}
	peerID, err := cp.PopRoute()
	if err != nil {
		return err
	}
	return ov.toChild(peerID, cp)
}

// pushAndSendUpstream records this hop on the route stack before forwarding
// a request to the parent. Every hop a request passes through — whether it
// continues up toward the root or turns around and heads back down to a
// descendant — pushes itself here, which is what lets the eventual response
// retrace the same path in reverse instead of just bouncing to rank 0.
func (ov *Overlay) pushAndSendUpstream(m *message.Message) error {
	if ov.rank == 0 {
		return ferr.ProtocolViolation("overlay: rank 0 has no parent to route a request toward")
	}
	cp := m.Copy(false)
	if !cp.RouteStackEnabled() {
		cp.SetRouteStackEnabled(true)
	}
	if err := cp.PushRoute(ov.self); err != nil {
		return err
	}
	return ov.toParent(cp)
}

func (ov *Overlay) sendResponse(m *message.Message, where route.Where) error {
	if where == route.Upstream {
		return ov.toParent(m)
	}
	if m.RouteCount() == 0 {
		// Route stack exhausted: this broker originated the request, so
		// the response is consumed locally.
		ov.disp.Handle(m, "")
		return nil
	}
	top, err := m.LastRoute()
	if err != nil {
		return err
	}
	if where != route.Downstream && top == ov.parentUUID && ov.rank > 0 {
		return ov.toParent(m)
	}
	// Downstream: the top of the stack names the child to forward to; the
	// remaining stack travels on unchanged, matching the mirror of the
	// request-side push/pop.
	cp := m.Copy(false)
	peerID, err := cp.PopRoute()
	if err != nil {
		return err
	}
	return ov.toChild(peerID, cp)
}

func (ov *Overlay) sendEvent(m *message.Message, where route.Where) error {
	switch where {
	case route.Upstream:
		cp := m.Copy(false)
		if !cp.RouteStackEnabled() {
			cp.SetRouteStackEnabled(true)
		}
		return ov.toParent(cp)
	default:
		var firstErr error
		for _, p := range ov.peers {
			if !p.Connected {
				continue
			}
			cp := m.Copy(false)
			if err := ov.toChild(p.UUID, cp); err != nil {
				if ferr.Is(err, ferr.CodeHostUnreachable) {
					ov.markDisconnected(p, "event send unreachable")
				} else {
					flog.Warningf("overlay: event multicast to %s: %v", p.UUID, err)
				}
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	}
}

func (ov *Overlay) toParent(m *message.Message) error {
	if ov.rank == 0 {
		return ferr.ProtocolViolation("overlay: rank 0 has no parent to send upstream to")
	}
	if ov.paused && m.Type() != message.Keepalive {
		ov.backlog = append(ov.backlog, m)
		return nil
	}
	return ov.toParentDirect(m)
}

func (ov *Overlay) toParentDirect(m *message.Message) error {
	ov.lastUpstream = time.Now()
	return ov.transport.SendToParent(m)
}

func (ov *Overlay) toChild(peerID string, m *message.Message) error {
	peer := ov.peersByID[peerID]
	err := ov.transport.SendToChild(peerID, m)
	if err != nil && ferr.Is(err, ferr.CodeHostUnreachable) && peer != nil {
		ov.markDisconnected(peer, "send failed: host unreachable")
	}
	return err
}

//
// sync tick: idle/keepalive cadence
//

func (ov *Overlay) onSyncTick() {
	now := time.Now()
	if gap := now.Sub(ov.lastTick); gap > 2*ov.effectiveSyncMax() {
		flog.Warningf("overlay: sync tick stalled for %s", gap)
	}
	ov.lastTick = now

	idleMin := ov.cfg.IdleMin
	if idleMin <= 0 {
		idleMin = 20 * time.Second
	}
	if ov.rank > 0 && now.Sub(ov.lastUpstream) >= idleMin {
		ov.sendKeepaliveUpstream(message.StatusNormal)
	}

	idleMax := ov.cfg.IdleMax
	if idleMax <= 0 {
		idleMax = 60 * time.Second
	}
	for _, p := range ov.peers {
		if !p.Connected {
			continue
		}
		stale := now.Sub(p.LastSeen) >= idleMax
		want := stale || p.TestPause
		if want == p.Idle {
			continue
		}
		if want {
			ov.setPeerIdle(p, true, fmt.Sprintf("idle for %s", now.Sub(p.LastSeen).Round(time.Second)))
		} else {
			ov.setPeerIdle(p, false, "no longer idle")
		}
	}
}

func (ov *Overlay) effectiveSyncMax() time.Duration {
	if ov.cfg.SyncMax <= 0 {
		return 10 * time.Second
	}
	return ov.cfg.SyncMax
}

func (ov *Overlay) sendKeepaliveUpstream(status uint32) {
	m, err := message.Create(message.Keepalive)
	if err != nil {
		flog.Errorf("overlay: build keepalive: %v", err)
		return
	}
	m.SetErrnum(0)
	if err := m.SetStatus(status); err != nil {
		flog.Errorf("overlay: set keepalive status: %v", err)
		return
	}
	if err := ov.toParentDirect(m); err != nil {
		flog.Warningf("overlay: send keepalive upstream: %v", err)
	}
}

//
// overlay.pause
//

func (ov *Overlay) handlePause(ctx *dispatch.Context) {
	if !ov.paused {
		ov.paused = true
		if ov.rank > 0 {
			ov.sendKeepaliveUpstream(message.StatusTestPause)
		}
		ctx.Reply(map[string]any{"paused": true}, nil)
		return
	}
	ov.paused = false
	backlog := ov.backlog
	ov.backlog = nil
	for _, m := range backlog {
		if err := ov.toParentDirect(m); err != nil {
			flog.Warningf("overlay: draining paused backlog: %v", err)
		}
	}
	if ov.rank > 0 {
		ov.sendKeepaliveUpstream(message.StatusNormal)
	}
	ctx.Reply(map[string]any{"paused": false}, nil)
}

//
// overlay.monitor
//

func (ov *Overlay) childrenSnapshot() []MonitorUpdate {
	out := make([]MonitorUpdate, 0, len(ov.peers))
	for _, c := range ov.tree.Children(ov.rank) {
		p := ov.peers[c]
		out = append(out, MonitorUpdate{Rank: p.Rank, Connected: p.Connected, Idle: p.Idle})
	}
	return out
}

func (ov *Overlay) handleMonitor(ctx *dispatch.Context) {
	if ov.tree.ChildrenCount(ov.rank) == 0 {
		ctx.Reply(nil, ferr.NoData("overlay.monitor: leaf node has no children"))
		return
	}
	snapshot := ov.childrenSnapshot()
	if !ctx.Msg.HasFlag(message.FlagStreaming) {
		ctx.Reply(map[string]any{"children": snapshot}, nil)
		return
	}
	sub := &monitorSub{req: ctx.Msg.Copy(false), from: ctx.From}
	ov.monitorSubs = append(ov.monitorSubs, sub)
	ctx.OnDisconnect(func() { ov.cancelMonitorSub(sub, "client disconnected") })
	ctx.Reply(map[string]any{"children": snapshot}, nil)
}

func (ov *Overlay) handleMonitorCancel(ctx *dispatch.Context) {
	tag := ctx.Matchtag()
	for i, sub := range ov.monitorSubs {
		if t, _ := sub.req.Matchtag(); t == tag {
			ov.monitorSubs = append(ov.monitorSubs[:i], ov.monitorSubs[i+1:]...)
			_ = dispatch.Respond(ov, sub.req, nil, ferr.NoData("overlay.monitor: cancelled"))
			return
		}
	}
}

func (ov *Overlay) cancelMonitorSub(sub *monitorSub, reason string) {
	for i, s := range ov.monitorSubs {
		if s == sub {
			ov.monitorSubs = append(ov.monitorSubs[:i], ov.monitorSubs[i+1:]...)
			_ = dispatch.Respond(ov, sub.req, nil, ferr.NoData("overlay.monitor: %s", reason))
			return
		}
	}
}

func (ov *Overlay) broadcastUpdate(u MonitorUpdate) {
	for _, sub := range ov.monitorSubs {
		if err := dispatch.Respond(ov, sub.req, u, nil); err != nil {
			flog.Warningf("overlay: sending monitor update: %v", err)
		}
	}
}

//
// overlay.ping / overlay.stats
//

func (ov *Overlay) handlePing(ctx *dispatch.Context) {
	ov.pingCount++
	var payload map[string]any
	_ = ctx.Msg.PayloadJSON(&payload)
	ctx.Reply(payload, nil)
}

func (ov *Overlay) handleStatsGet(ctx *dispatch.Context) {
	ctx.Reply(map[string]any{
		"request_count":   ov.reqCount,
		"ping_count":      ov.pingCount,
		"pending_count":   ov.disp.PendingOutCount(),
		"monitor_count":   len(ov.monitorSubs),
		"connected_ranks": ov.connected.String(),
	}, nil)
}

func (ov *Overlay) handleStatsClear(ctx *dispatch.Context) {
	ov.reqCount = 0
	ov.pingCount = 0
	ctx.Reply(nil, nil)
}
