package overlay

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/garlick/flux-core/internal/dispatch"
	"github.com/garlick/flux-core/internal/ferr"
	"github.com/garlick/flux-core/internal/message"
	"github.com/garlick/flux-core/internal/reactor"
	"github.com/garlick/flux-core/internal/route"
	"github.com/garlick/flux-core/internal/topology"
	"github.com/garlick/flux-core/internal/transport"
)

// newLocal builds an overlay with no live sockets: sends that would leave
// the process fail at the transport boundary, but anything addressed to the
// local rank round-trips through dispatch synchronously, which is enough to
// exercise the routing decisions and the built-in RPCs end to end.
func newLocal(t *testing.T, rank, k, n int) (*Overlay, *reactor.Reactor) {
	t.Helper()
	ov := New(Config{
		Rank:    rank,
		Tree:    topology.New(k, n),
		SyncMin: time.Hour,
		SyncMax: 2 * time.Hour,
	}, &transport.Transport{})
	r := reactor.New()
	ov.Start(r)
	return ov, r
}

func drain(r *reactor.Reactor) {
	done := make(chan struct{})
	go func() { r.Run(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		r.Stop()
		<-done
	}
}

func keepalive(t *testing.T, status uint32) *message.Message {
	t.Helper()
	m, err := message.Create(message.Keepalive)
	require.NoError(t, err)
	require.NoError(t, m.SetErrnum(0))
	require.NoError(t, m.SetStatus(status))
	return m
}

func TestUUIDSynthesis(t *testing.T) {
	require.Equal(t, "5", uuidFor(5))
	require.Equal(t, "0", uuidFor(0))
}

func TestPeerTableMatchesTopology(t *testing.T) {
	ov, _ := newLocal(t, 0, 2, 7)
	require.Len(t, ov.peers, 2)
	require.Contains(t, ov.peers, 1)
	require.Contains(t, ov.peers, 2)
	require.Equal(t, "1", ov.peers[1].UUID)
	require.False(t, ov.peers[1].Connected)
}

func TestLocalPingRoundTrip(t *testing.T) {
	ov, r := newLocal(t, 0, 2, 1)
	fut, err := ov.Dispatcher().Call("overlay.ping", map[string]int{"seq": 7}, route.Any, 0, message.RoleOwner)
	require.NoError(t, err)

	var got []byte
	fut.Then(func(f *reactor.Future) {
		v, verr := f.Value()
		require.NoError(t, verr)
		got = v.([]byte)
		r.Stop()
	})
	drain(r)
	require.JSONEq(t, `{"seq":7}`, string(got))
}

func TestMonitorLeafFailsNoData(t *testing.T) {
	ov, r := newLocal(t, 0, 2, 1)
	fut, err := ov.Dispatcher().Call("overlay.monitor", nil, route.Any, 0, message.RoleOwner)
	require.NoError(t, err)

	var got error
	fut.Then(func(f *reactor.Future) {
		_, got = f.Value()
		r.Stop()
	})
	drain(r)
	require.True(t, ferr.Is(got, ferr.CodeNoData))
	require.Equal(t, 61, ferr.CodeNoData)
}

func TestMonitorSnapshot(t *testing.T) {
	ov, r := newLocal(t, 0, 2, 4)
	// Rank 1 has said hello; rank 2 has not.
	ov.handleFromChild(keepalive(t, message.StatusNormal), "1")

	fut, err := ov.Dispatcher().Call("overlay.monitor", nil, route.Any, 0, message.RoleOwner)
	require.NoError(t, err)

	var snap struct {
		Children []MonitorUpdate `json:"children"`
	}
	fut.Then(func(f *reactor.Future) {
		v, verr := f.Value()
		require.NoError(t, verr)
		require.NoError(t, json.Unmarshal(v.([]byte), &snap))
		r.Stop()
	})
	drain(r)

	require.Len(t, snap.Children, 2)
	require.Equal(t, 1, snap.Children[0].Rank)
	require.True(t, snap.Children[0].Connected)
	require.False(t, snap.Children[0].Idle)
	require.Equal(t, 2, snap.Children[1].Rank)
	require.False(t, snap.Children[1].Connected)
}

func TestMonitorStreamingPauseUnpause(t *testing.T) {
	ov, r := newLocal(t, 0, 2, 4)
	ov.handleFromChild(keepalive(t, message.StatusNormal), "1")
	ov.handleFromChild(keepalive(t, message.StatusNormal), "2")

	fut, err := ov.Dispatcher().CallStreaming("overlay.monitor", nil, route.Any, 0, message.RoleOwner)
	require.NoError(t, err)
	require.Len(t, ov.monitorSubs, 1)

	// Rank 1 pauses, then resumes: two deltas after the initial snapshot.
	ov.handleFromChild(keepalive(t, message.StatusTestPause), "1")
	ov.handleFromChild(keepalive(t, message.StatusNormal), "1")

	var updates []MonitorUpdate
	deliveries := 0
	var step func(*reactor.Future)
	step = func(f *reactor.Future) {
		v, verr := f.Value()
		require.NoError(t, verr)
		if deliveries > 0 { // first delivery is the snapshot
			var u MonitorUpdate
			require.NoError(t, json.Unmarshal(v.([]byte), &u))
			updates = append(updates, u)
		}
		deliveries++
		if deliveries == 3 {
			r.Stop()
			return
		}
		f.Reset()
		f.Then(step)
	}
	fut.Then(step)
	drain(r)

	require.Len(t, updates, 2)
	require.Equal(t, 1, updates[0].Rank)
	require.True(t, updates[0].Idle)
	require.Regexp(t, regexp.MustCompile(`idle for .*`), updates[0].Reason)
	require.Equal(t, 1, updates[1].Rank)
	require.False(t, updates[1].Idle)
	require.Equal(t, "no longer idle", updates[1].Reason)
}

func TestMonitorCancelTerminatesStream(t *testing.T) {
	ov, r := newLocal(t, 0, 2, 4)
	d := ov.Dispatcher()
	fut, err := d.CallStreaming("overlay.monitor", nil, route.Any, 0, message.RoleOwner)
	require.NoError(t, err)
	require.Len(t, ov.monitorSubs, 1)

	tag, _ := ov.monitorSubs[0].req.Matchtag()
	require.NoError(t, d.Cancel("overlay.monitor", tag, route.Any, 0))
	require.Empty(t, ov.monitorSubs)

	var terminal error
	var step func(*reactor.Future)
	step = func(f *reactor.Future) {
		_, verr := f.Value()
		if verr != nil {
			terminal = verr
			r.Stop()
			return
		}
		f.Reset()
		f.Then(step)
	}
	fut.Then(step)
	drain(r)

	require.True(t, ferr.Is(terminal, ferr.CodeNoData))
	require.Zero(t, d.PendingOutCount())
}

func TestChildDisconnectCleansMonitorSub(t *testing.T) {
	ov, _ := newLocal(t, 0, 2, 4)
	ov.handleFromChild(keepalive(t, message.StatusNormal), "1")

	// A streaming subscription arriving from child 1.
	req, err := message.Create(message.Request)
	require.NoError(t, err)
	req.SetTopic("overlay.monitor")
	req.SetRolemask(message.RoleOwner)
	require.NoError(t, req.SetNodeID(0))
	require.NoError(t, req.SetMatchtag(9))
	require.NoError(t, req.SetStreaming(true))
	req.SetRouteStackEnabled(true)
	require.NoError(t, req.PushRoute("1"))
	ov.disp.Handle(req, "1")
	require.Len(t, ov.monitorSubs, 1)

	ov.handleFromChild(keepalive(t, message.StatusDisconnect), "1")
	require.Empty(t, ov.monitorSubs)
	require.False(t, ov.peers[1].Connected)
}

func TestNoReconnectWithoutMessage(t *testing.T) {
	ov, _ := newLocal(t, 0, 2, 4)
	ov.handleFromChild(keepalive(t, message.StatusNormal), "1")
	ov.handleFromChild(keepalive(t, message.StatusDisconnect), "1")
	require.False(t, ov.peers[1].Connected)

	// Only a received message may transition disconnected -> connected.
	ov.onSyncTick()
	require.False(t, ov.peers[1].Connected)
	ov.handleFromChild(keepalive(t, message.StatusNormal), "1")
	require.True(t, ov.peers[1].Connected)
}

func TestUpstreamHintOverridesLocalDelivery(t *testing.T) {
	ov, _ := newLocal(t, 1, 2, 4)
	req, err := message.Create(message.Request)
	require.NoError(t, err)
	req.SetTopic("overlay.ping")
	req.SetRolemask(message.RoleOwner)
	require.NoError(t, req.SetNodeID(1))
	req.SetUpstreamHint(true)

	before := ov.reqCount
	// The hint forces the request toward the parent; with no live dealer
	// socket in this harness the send fails at the transport boundary,
	// which is precisely what distinguishes it from local delivery.
	require.Error(t, ov.Send(req, route.Any))
	require.Equal(t, before, ov.reqCount)

	// Without the hint the same request is delivered locally.
	req.SetUpstreamHint(false)
	require.NoError(t, ov.Send(req, route.Any))
	require.Equal(t, before+1, ov.reqCount)
}

func TestPauseBacklogsUpstreamSends(t *testing.T) {
	ov, _ := newLocal(t, 1, 2, 4) // rank 1: has a parent
	pause, err := message.Create(message.Request)
	require.NoError(t, err)
	pause.SetTopic("overlay.pause")
	pause.SetRolemask(message.RoleOwner)
	require.NoError(t, pause.SetNodeID(1))
	ov.disp.Handle(pause, "")
	require.True(t, ov.paused)

	// An upstream-bound request is intercepted into the backlog.
	req, err := message.Create(message.Request)
	require.NoError(t, err)
	req.SetTopic("kvs.lookup")
	require.NoError(t, req.SetNodeID(0))
	require.NoError(t, ov.Send(req, route.Any))
	require.Len(t, ov.backlog, 1)

	ov.disp.Handle(pause.Copy(false), "")
	require.False(t, ov.paused)
	require.Empty(t, ov.backlog)
}

func TestEventFromParentClearsRouteStack(t *testing.T) {
	ov, _ := newLocal(t, 1, 2, 4)
	var got *message.Message
	ov.disp.Register(dispatch.MaskEvent, "hb", message.RoleAll, func(ctx *dispatch.Context) {
		got = ctx.Msg
	})

	ev, err := message.Create(message.Event)
	require.NoError(t, err)
	ev.SetTopic("hb")
	ev.SetRouteStackEnabled(true)
	require.NoError(t, ev.PushRoute("0"))
	ov.handleFromParent(ev)

	require.NotNil(t, got)
	require.False(t, got.RouteStackEnabled())
	require.Zero(t, got.RouteCount())
}

func TestStatsTrackMonitorSubsAndConnectedRanks(t *testing.T) {
	ov, r := newLocal(t, 0, 2, 4)
	ov.handleFromChild(keepalive(t, message.StatusNormal), "1")
	ov.handleFromChild(keepalive(t, message.StatusNormal), "2")
	ov.handleFromChild(keepalive(t, message.StatusDisconnect), "2")

	d := ov.Dispatcher()
	_, err := d.CallStreaming("overlay.monitor", nil, route.Any, 0, message.RoleOwner)
	require.NoError(t, err)

	fut, err := d.Call("overlay.stats.get", nil, route.Any, 0, message.RoleOwner)
	require.NoError(t, err)
	var stats struct {
		MonitorCount   int    `json:"monitor_count"`
		ConnectedRanks string `json:"connected_ranks"`
	}
	fut.Then(func(f *reactor.Future) {
		v, verr := f.Value()
		require.NoError(t, verr)
		require.NoError(t, json.Unmarshal(v.([]byte), &stats))
		r.Stop()
	})
	drain(r)
	require.Equal(t, 1, stats.MonitorCount)
	require.Equal(t, "1", stats.ConnectedRanks)
}
