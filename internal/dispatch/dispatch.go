// Package dispatch implements the topic-based message handler registry: a
// handler is (type mask, topic glob, required rolemask, callback), matched
// in registration order with first-match-wins. It also owns the matchtag
// allocator for requests this process originates and correlates their
// responses back to the waiting future.
package dispatch

import (
	"fmt"
	"path"

	"github.com/garlick/flux-core/internal/debug"
	"github.com/garlick/flux-core/internal/ferr"
	"github.com/garlick/flux-core/internal/flog"
	"github.com/garlick/flux-core/internal/matchtag"
	"github.com/garlick/flux-core/internal/message"
	"github.com/garlick/flux-core/internal/reactor"
	"github.com/garlick/flux-core/internal/route"
)

// Sender is the narrow interface dispatch needs from the overlay to emit
// requests, responses and cancels. The overlay implements it; dispatch
// never imports the overlay package, which avoids a cycle since overlay
// imports dispatch to deliver locally-addressed messages.
type Sender interface {
	Send(m *message.Message, where route.Where) error
}

// TypeMask is a bitset over message.Type used by handler registration.
type TypeMask uint8

const (
	MaskRequest TypeMask = 1 << iota
	MaskResponse
	MaskEvent
	MaskKeepalive
)

func maskFor(t message.Type) TypeMask {
	switch t {
	case message.Request:
		return MaskRequest
	case message.Response:
		return MaskResponse
	case message.Event:
		return MaskEvent
	case message.Keepalive:
		return MaskKeepalive
	default:
		return 0
	}
}

// Handler processes one locally-delivered message.
type Handler func(*Context)

type entry struct {
	types TypeMask
	topic string
	role  message.Rolemask
	cb    Handler
}

// Context is handed to a Handler for one inbound message.
type Context struct {
	Msg  *message.Message
	From string // immediate child uuid this message arrived from, "" if from the parent link
	d    *Dispatcher
}

// Reply sends a response correlated to Msg. payload is JSON-marshaled when
// rerr is nil; rerr's code/message populate errnum and the response payload
// otherwise. Calling Reply on a no-response request is an internal error.
func (c *Context) Reply(payload any, rerr *ferr.Error) error {
	if c.Msg.HasFlag(message.FlagNoResponse) {
		debug.Assert(false, "dispatch: handler replied to a no-response request", c.Msg.String())
		return fmt.Errorf("dispatch: handler replied to a no-response request")
	}
	return Respond(c.d.sender, c.Msg, payload, rerr)
}

// Matchtag returns the request's matchtag, for handlers that need to stash
// it for an out-of-band retry (scratchpad's sc-stream/sc-retry pair).
func (c *Context) Matchtag() uint32 {
	tag, _ := c.Msg.Matchtag()
	return tag
}

// OnDisconnect registers cb to run once if the sender identified by From
// disconnects while this context's request is still pending (streaming
// RPCs held open across multiple ticks). See Dispatcher.OnDisconnect.
func (c *Context) OnDisconnect(cb func()) {
	if c.From != "" {
		c.d.OnDisconnect(c.From, cb)
	}
}

// NewResponse builds a Response message correlated to req: same matchtag,
// same userid, and a route stack that mirrors req's so the overlay can
// route it back along the reverse path even if the reply is sent long
// after req was received (the monitor and scratchpad keep req around for
// exactly this reason).
func NewResponse(req *message.Message) (*message.Message, error) {
	resp, err := message.Create(message.Response)
	if err != nil {
		return nil, err
	}
	tag, err := req.Matchtag()
	if err != nil {
		return nil, err
	}
	if err := resp.SetMatchtag(tag); err != nil {
		return nil, err
	}
	resp.SetUserID(req.UserID())
	if req.RouteStackEnabled() {
		resp.SetRouteStackEnabled(true)
		routes := req.Routes()
		for i := len(routes) - 1; i >= 0; i-- {
			if err := resp.PushRoute(routes[i]); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

// Respond builds and sends a response correlated to req via sender. A nil
// rerr sends payload (JSON-marshaled, omitted entirely if payload is nil);
// a non-nil rerr sends its code as errnum and its message as the payload.
func Respond(sender Sender, req *message.Message, payload any, rerr *ferr.Error) error {
	resp, err := NewResponse(req)
	if err != nil {
		return err
	}
	if rerr != nil {
		if serr := resp.SetErrnum(uint32(rerr.Code)); serr != nil {
			return serr
		}
		if rerr.Msg != "" {
			resp.SetPayloadString(rerr.Msg)
		}
	} else {
		if serr := resp.SetErrnum(0); serr != nil {
			return serr
		}
		if payload != nil {
			if err := resp.SetPayloadJSON(payload); err != nil {
				return err
			}
		}
	}
	return sender.Send(resp, route.Any)
}

type pendingOut struct {
	tag       uint32
	fut       *reactor.Future
	streaming bool
}

// Dispatcher is the per-broker handler registry plus outgoing-RPC
// bookkeeping. All methods run on the reactor thread.
type Dispatcher struct {
	r      *reactor.Reactor
	sender Sender

	handlers []entry

	tags       *matchtag.Allocator
	pendingOut map[uint32]*pendingOut

	disconnectCBs map[string][]func()
}

func New(r *reactor.Reactor, sender Sender) *Dispatcher {
	return &Dispatcher{
		r:             r,
		sender:        sender,
		tags:          matchtag.New(),
		pendingOut:    make(map[uint32]*pendingOut),
		disconnectCBs: make(map[string][]func()),
	}
}

// Register appends a handler; the first registered handler whose type mask
// and topic glob match wins. topicGlob uses path.Match syntax (*, ?, [...]);
// empty or "*" matches every topic.
func (d *Dispatcher) Register(types TypeMask, topicGlob string, role message.Rolemask, cb Handler) {
	d.handlers = append(d.handlers, entry{types: types, topic: topicGlob, role: role, cb: cb})
}

func topicMatch(glob, topic string) bool {
	if glob == "" || glob == "*" {
		return true
	}
	ok, err := path.Match(glob, topic)
	return err == nil && ok
}

func (d *Dispatcher) find(types TypeMask, topic string) *entry {
	for i := range d.handlers {
		e := &d.handlers[i]
		if e.types&types == 0 {
			continue
		}
		if !topicMatch(e.topic, topic) {
			continue
		}
		return e
	}
	return nil
}

// Handle delivers one locally-addressed message. from is the immediate
// child uuid this message arrived from, or "" if it arrived via the parent
// link or originated with this broker.
func (d *Dispatcher) Handle(m *message.Message, from string) {
	switch m.Type() {
	case message.Response:
		d.handleResponse(m)
	case message.Request:
		d.handleRequest(m, from)
	case message.Event:
		d.handleEvent(m, from)
	case message.Keepalive:
		debug.Assert(false, "dispatch: keepalives are handled by the overlay, never reach Dispatcher.Handle")
	}
}

func (d *Dispatcher) handleResponse(m *message.Message) {
	tag, err := m.Matchtag()
	if err != nil {
		flog.Warningf("dispatch: response with no matchtag field: %v", err)
		return
	}
	if tag == 0 {
		// Broadcast-style response, not correlated to any outstanding call.
		return
	}
	p, ok := d.pendingOut[tag]
	if !ok {
		// Stale: cancelled locally, or a duplicate after we already freed
		// the tag. Silently dropped, matching the scratchpad's sc-retry
		// "originator already gave up" rule generalized to every RPC.
		return
	}
	errnum, _ := m.Errnum()
	var rerr error
	var payload []byte
	if errnum != 0 {
		msg := ""
		if s, perr := m.PayloadString(); perr == nil {
			msg = s
		}
		rerr = &ferr.Error{Code: int(errnum), Msg: msg}
	} else if m.HasFlag(message.FlagHasPayload) {
		payload, _ = m.PayloadBytes()
	}
	terminal := !p.streaming || ferr.Is(rerr, ferr.CodeNoData)
	p.fut.Fulfill(payload, rerr)
	if terminal {
		delete(d.pendingOut, tag)
		d.tags.Free(tag)
	}
}

func (d *Dispatcher) handleRequest(m *message.Message, from string) {
	topic, _ := m.Topic()
	e := d.find(MaskRequest, topic)
	if e == nil {
		if !m.HasFlag(message.FlagNoResponse) {
			if err := Respond(d.sender, m, nil, ferr.NoSuchService("dispatch: no handler for topic %q", topic)); err != nil {
				flog.Warningf("dispatch: sending no-such-service for %q: %v", topic, err)
			}
		}
		return
	}
	if !m.Rolemask().Intersects(e.role) {
		if !m.HasFlag(message.FlagNoResponse) {
			if err := Respond(d.sender, m, nil, ferr.PermissionDenied("dispatch: rolemask mismatch on %q", topic)); err != nil {
				flog.Warningf("dispatch: sending permission-denied for %q: %v", topic, err)
			}
		}
		return
	}
	e.cb(&Context{Msg: m, From: from, d: d})
}

func (d *Dispatcher) handleEvent(m *message.Message, from string) {
	topic, _ := m.Topic()
	e := d.find(MaskEvent, topic)
	if e == nil {
		return
	}
	e.cb(&Context{Msg: m, From: from, d: d})
}

// Call issues a request and returns a future fulfilled by the correlated
// response. where and nodeid together determine the routing decision the
// overlay makes on the first hop.
func (d *Dispatcher) Call(topic string, payload any, where route.Where, nodeid uint32, role message.Rolemask) (*reactor.Future, error) {
	return d.call(topic, payload, where, nodeid, role, false)
}

// CallStreaming is Call but keeps the matchtag allocated across multiple
// responses, until a terminal "no data" error arrives or the caller calls
// Cancel. The continuation consumes each response by reading Value, then
// calling Reset and re-registering itself with Then for the next one.
func (d *Dispatcher) CallStreaming(topic string, payload any, where route.Where, nodeid uint32, role message.Rolemask) (*reactor.Future, error) {
	return d.call(topic, payload, where, nodeid, role, true)
}

func (d *Dispatcher) call(topic string, payload any, where route.Where, nodeid uint32, role message.Rolemask, streaming bool) (*reactor.Future, error) {
	req, err := message.Create(message.Request)
	if err != nil {
		return nil, err
	}
	req.SetTopic(topic)
	req.SetRolemask(role)
	if payload != nil {
		if err := req.SetPayloadJSON(payload); err != nil {
			return nil, err
		}
	}
	if err := req.SetNodeID(nodeid); err != nil {
		return nil, err
	}
	if streaming {
		if err := req.SetStreaming(true); err != nil {
			return nil, err
		}
	}
	tag := d.tags.Allocate()
	if err := req.SetMatchtag(tag); err != nil {
		d.tags.Free(tag)
		return nil, err
	}

	var fut *reactor.Future
	if streaming {
		fut = reactor.NewStreamingFuture(d.r)
	} else {
		fut = reactor.NewFuture(d.r)
	}
	d.pendingOut[tag] = &pendingOut{tag: tag, fut: fut, streaming: streaming}

	if err := d.sender.Send(req, where); err != nil {
		delete(d.pendingOut, tag)
		d.tags.Free(tag)
		return nil, err
	}
	return fut, nil
}

// Cancel sends a no-response cancel request for a streaming call's
// matchtag, addressed the same way the original call was, and releases the
// local bookkeeping once the server's terminal response arrives normally
// (Cancel itself does not free the tag; the response path does).
func (d *Dispatcher) Cancel(topic string, tag uint32, where route.Where, nodeid uint32) error {
	req, err := message.Create(message.Request)
	if err != nil {
		return err
	}
	req.SetTopic(topic + ".cancel")
	if err := req.SetNodeID(nodeid); err != nil {
		return err
	}
	if err := req.SetMatchtag(tag); err != nil {
		return err
	}
	if err := req.SetNoResponse(true); err != nil {
		return err
	}
	return d.sender.Send(req, where)
}

// OnDisconnect registers cb to run exactly once if sender disconnects
// before explicitly being removed. Services holding pending streaming
// requests (overlay.monitor, scratchpad sc-stream) use this to clean up
// when their caller goes away without cancelling.
func (d *Dispatcher) OnDisconnect(sender string, cb func()) {
	d.disconnectCBs[sender] = append(d.disconnectCBs[sender], cb)
}

// NotifyDisconnect runs and clears every callback registered for sender.
// The overlay calls this when it marks a child disconnected.
func (d *Dispatcher) NotifyDisconnect(sender string) {
	cbs := d.disconnectCBs[sender]
	delete(d.disconnectCBs, sender)
	for _, cb := range cbs {
		cb()
	}
}

// PendingOutCount reports the number of outstanding locally-originated
// calls awaiting a response; exercised by overlay.stats.get.
func (d *Dispatcher) PendingOutCount() int { return len(d.pendingOut) }
