// Package scratchpad implements the broker's load-link/store-conditional
// atomic scratchpad: a name -> {version, data} store with optimistic
// concurrency, exposed as a set of request topics. It is the fabric's
// canonical exercise of streaming RPCs, out-of-band retries, and
// cancellation/disconnect cleanup. All state is touched only from the
// reactor thread.
package scratchpad

import (
	"encoding/json"

	"github.com/garlick/flux-core/internal/debug"
	"github.com/garlick/flux-core/internal/dispatch"
	"github.com/garlick/flux-core/internal/ferr"
	"github.com/garlick/flux-core/internal/flog"
	"github.com/garlick/flux-core/internal/message"
)

// RootKey is the synthetic read-only key that names the whole store.
const RootKey = "."

// Value is the unit of storage and the payload shape of every LL response:
// a version counter plus an opaque JSON document. Version 0 denotes absent.
type Value struct {
	Version uint32          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// UnmarshalJSON keeps a null (or missing) data field as the literal null,
// so a decoded absent entry reads back as {0, null}.
func (v *Value) UnmarshalJSON(b []byte) error {
	type plain Value
	var p plain
	if err := jsonUnmarshal(b, &p); err != nil {
		return err
	}
	if len(p.Data) == 0 {
		p.Data = json.RawMessage("null")
	}
	*v = Value(p)
	return nil
}

type scRequest struct {
	Key     string          `json:"key"`
	Version uint32          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

type retryRequest struct {
	Matchtag uint32          `json:"matchtag"`
	Version  uint32          `json:"version"`
	Data     json.RawMessage `json:"data"`
}

// pending is one enqueued sc-stream request awaiting retries. It is keyed
// by the originator's matchtag plus sender identity, since matchtags are
// only unique per sending handle.
type pending struct {
	req  *message.Message
	from string
	key  string
	tag  uint32
}

// Service is the scratchpad RPC service bound to one broker's dispatcher.
type Service struct {
	sender  dispatch.Sender
	entries map[string]Value
	version uint32 // global, bumped once per successful update or delete
	pending []*pending
	stopped bool
}

// New creates an empty scratchpad bound to sender (the overlay) and
// registers its six request topics on d (the five operations plus the
// sc-stream cancel).
func New(d *dispatch.Dispatcher, sender dispatch.Sender) *Service {
	s := &Service{
		sender:  sender,
		entries: make(map[string]Value),
	}
	d.Register(dispatch.MaskRequest, "scratchpad.ll", message.RoleAll, s.handleLL)
	d.Register(dispatch.MaskRequest, "scratchpad.sc", message.RoleAll, s.handleSC)
	d.Register(dispatch.MaskRequest, "scratchpad.sc-stream", message.RoleAll, s.handleSCStream)
	d.Register(dispatch.MaskRequest, "scratchpad.sc-stream.cancel", message.RoleAll, s.handleCancel)
	d.Register(dispatch.MaskRequest, "scratchpad.sc-retry", message.RoleAll, s.handleRetry)
	d.Register(dispatch.MaskRequest, "scratchpad.delete", message.RoleAll, s.handleDelete)
	return s
}

// Version returns the global scratchpad version.
func (s *Service) Version() uint32 { return s.version }

// PendingCount reports how many sc-stream requests are enqueued awaiting
// retries; exercised by stats queries and tests.
func (s *Service) PendingCount() int { return len(s.pending) }

// load returns the stored value for key, or the zero Value ({0, null}) when
// absent.
func (s *Service) load(key string) Value {
	if v, ok := s.entries[key]; ok {
		return v
	}
	return Value{Version: 0, Data: json.RawMessage("null")}
}

// store replaces key with data at version oldVersion+1 and bumps the global
// version exactly once.
func (s *Service) store(key string, oldVersion uint32, data json.RawMessage) {
	debug.Assert(key != RootKey, "scratchpad: root key must never be stored")
	if data == nil {
		data = json.RawMessage("null")
	}
	s.entries[key] = Value{Version: oldVersion + 1, Data: data}
	s.version++
}

func (s *Service) handleLL(ctx *dispatch.Context) {
	var req struct {
		Key string `json:"key"`
	}
	if err := ctx.Msg.PayloadJSON(&req); err != nil {
		ctx.Reply(nil, ferr.ProtocolViolation("scratchpad: ll: bad payload: %v", err))
		return
	}
	if req.Key == RootKey {
		ctx.Reply(Value{Version: s.version, Data: s.snapshot()}, nil)
		return
	}
	ctx.Reply(s.load(req.Key), nil)
}

// snapshot marshals the whole store for ll(".").
func (s *Service) snapshot() json.RawMessage {
	b, err := jsonMarshal(s.entries)
	if err != nil {
		flog.Errorf("scratchpad: snapshot: %v", err)
		return json.RawMessage("null")
	}
	return b
}

func (s *Service) handleSC(ctx *dispatch.Context) {
	var req scRequest
	if err := ctx.Msg.PayloadJSON(&req); err != nil {
		ctx.Reply(nil, ferr.ProtocolViolation("scratchpad: sc: bad payload: %v", err))
		return
	}
	if req.Key == RootKey {
		ctx.Reply(nil, ferr.ReadOnly("scratchpad: %q is read-only", RootKey))
		return
	}
	cur := s.load(req.Key)
	if cur.Version != req.Version {
		ctx.Reply(nil, ferr.Deadlock("scratchpad: version is %d, not %d", cur.Version, req.Version))
		return
	}
	s.store(req.Key, req.Version, req.Data)
	ctx.Reply(nil, nil)
}

// handleSCStream implements the streaming store-conditional: a winning
// attempt terminates immediately with "no data"; a losing attempt is
// enqueued and answered with one LL response, and the conversation
// continues via sc-retry until a retry wins, the client cancels, or the
// client disconnects.
func (s *Service) handleSCStream(ctx *dispatch.Context) {
	if !ctx.Msg.HasFlag(message.FlagStreaming) {
		ctx.Reply(nil, ferr.ProtocolViolation("scratchpad: sc-stream requires the streaming flag"))
		return
	}
	var req scRequest
	if err := ctx.Msg.PayloadJSON(&req); err != nil {
		ctx.Reply(nil, ferr.ProtocolViolation("scratchpad: sc-stream: bad payload: %v", err))
		return
	}
	if req.Key == RootKey {
		ctx.Reply(nil, ferr.ReadOnly("scratchpad: %q is read-only", RootKey))
		return
	}
	cur := s.load(req.Key)
	if cur.Version == req.Version {
		s.store(req.Key, req.Version, req.Data)
		ctx.Reply(nil, ferr.NoData("scratchpad: stored"))
		return
	}
	p := &pending{req: ctx.Msg.Copy(false), from: ctx.From, key: req.Key, tag: ctx.Matchtag()}
	s.pending = append(s.pending, p)
	ctx.OnDisconnect(func() { s.drop(p) })
	ctx.Reply(cur, nil)
}

// handleRetry services an sc-retry: a no-response request referencing an
// enqueued sc-stream by matchtag. The retry itself never gets a reply; the
// outcome travels as another response to the original sc-stream request.
func (s *Service) handleRetry(ctx *dispatch.Context) {
	if !ctx.Msg.HasFlag(message.FlagNoResponse) {
		flog.Warningf("scratchpad: sc-retry without no-response flag, dropping")
		return
	}
	var req retryRequest
	if err := ctx.Msg.PayloadJSON(&req); err != nil {
		flog.Warningf("scratchpad: sc-retry: bad payload: %v", err)
		return
	}
	p := s.find(req.Matchtag, ctx.From)
	if p == nil {
		// Expired: the originator already cancelled or disconnected.
		return
	}
	cur := s.load(p.key)
	if cur.Version == req.Version {
		s.store(p.key, req.Version, req.Data)
		s.remove(p)
		s.respond(p, nil, ferr.NoData("scratchpad: stored"))
		return
	}
	s.respond(p, cur, nil)
}

func (s *Service) handleCancel(ctx *dispatch.Context) {
	if !ctx.Msg.HasFlag(message.FlagNoResponse) {
		flog.Warningf("scratchpad: cancel without no-response flag, dropping")
		return
	}
	p := s.find(ctx.Matchtag(), ctx.From)
	if p == nil {
		return
	}
	s.remove(p)
	s.respond(p, nil, ferr.NoData("scratchpad: cancelled"))
}

func (s *Service) handleDelete(ctx *dispatch.Context) {
	if !ctx.Msg.HasFlag(message.FlagNoResponse) {
		flog.Warningf("scratchpad: delete without no-response flag, dropping")
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := ctx.Msg.PayloadJSON(&req); err != nil {
		flog.Warningf("scratchpad: delete: bad payload: %v", err)
		return
	}
	if req.Key == RootKey {
		return
	}
	if _, ok := s.entries[req.Key]; !ok {
		return
	}
	delete(s.entries, req.Key)
	s.version++
}

// Stop terminates the service: every enqueued sc-stream request receives a
// "no such service" response before the request list is destroyed.
func (s *Service) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	for _, p := range s.pending {
		s.respond(p, nil, ferr.NoSuchService("scratchpad: service shutting down"))
	}
	s.pending = nil
}

func (s *Service) find(tag uint32, from string) *pending {
	for _, p := range s.pending {
		if p.tag == tag && p.from == from {
			return p
		}
	}
	return nil
}

func (s *Service) remove(p *pending) {
	for i, q := range s.pending {
		if q == p {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// drop removes p without responding; used on sender disconnect, where
// there is nobody left to answer.
func (s *Service) drop(p *pending) {
	s.remove(p)
}

func (s *Service) respond(p *pending, payload any, rerr *ferr.Error) {
	if err := dispatch.Respond(s.sender, p.req, payload, rerr); err != nil {
		flog.Warningf("scratchpad: responding to enqueued sc-stream: %v", err)
	}
}

// UpdateArray is the append-only composition clients use across LL/SC
// retries: unmarshal the current array (nil/null means empty), append elem,
// and return the marshaled result. Composing successive successful
// store-conditionals through it never loses a prior element.
func UpdateArray(current json.RawMessage, elem json.RawMessage) (json.RawMessage, error) {
	var arr []json.RawMessage
	if len(current) > 0 && string(current) != "null" {
		if err := jsonUnmarshal(current, &arr); err != nil {
			return nil, err
		}
	}
	arr = append(arr, elem)
	return jsonMarshal(arr)
}
