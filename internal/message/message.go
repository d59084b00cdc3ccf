// Package message implements the broker's wire message: the universal unit
// routed between overlay nodes.
package message

import (
	"encoding/binary"
	"fmt"

	"github.com/garlick/flux-core/internal/ferr"
)

// Type is one of the four recognized message kinds.
type Type uint8

const (
	Request Type = iota
	Response
	Event
	Keepalive
)

func (t Type) valid() bool { return t <= Keepalive }

func (t Type) String() string {
	switch t {
	case Request:
		return "request"
	case Response:
		return "response"
	case Event:
		return "event"
	case Keepalive:
		return "keepalive"
	default:
		return "invalid"
	}
}

// Flags is a bitset over the recognized flag members.
type Flags uint8

const (
	FlagHasTopic Flags = 1 << iota
	FlagHasPayload
	FlagHasRouteStack
	FlagUpstreamHint
	FlagPrivate
	FlagStreaming
	FlagNoResponse
)

// Rolemask is a bitset over {owner, user, all}; "none" is the zero value.
type Rolemask uint32

const (
	RoleNone  Rolemask = 0
	RoleOwner Rolemask = 1 << iota
	RoleUser
	RoleAll
)

// Intersects reports whether m shares any bit with other, or either side
// carries RoleAll (which every request satisfies).
func (m Rolemask) Intersects(other Rolemask) bool {
	if other&RoleAll != 0 || m&RoleAll != 0 {
		return true
	}
	return m&other != 0
}

// Keepalive status values.
const (
	StatusNormal = iota
	StatusDisconnect
	StatusTestPause
)

const (
	magicByte  byte = 0x8e
	versionNum byte = 1
	protoWords      = 4 // userid, rolemask, aux1, aux2
	protoLen        = 4 + protoWords*4
)

// Message is the universal routed unit. Contents are immutable after Send
// except for interior annotations (see Annotate/Annotation); callers must
// not mutate a sent Message's fields directly.
type Message struct {
	typ      Type
	flags    Flags
	userid   uint32
	rolemask Rolemask
	aux1     uint32
	aux2     uint32
	topic    string
	payload  []byte
	// route holds the route stack with route[0] = top (most recently
	// pushed / most recent router) and route[len-1] = tail (originator).
	route []string

	annotations map[string]any
}

// Create allocates a new Message of the given type; fails if typ is not one
// of the four recognized kinds.
func Create(typ Type) (*Message, error) {
	if !typ.valid() {
		return nil, ferr.ProtocolViolation("message: invalid type %d", typ)
	}
	return &Message{typ: typ}, nil
}

func (m *Message) Type() Type   { return m.typ }
func (m *Message) Flags() Flags { return m.flags }

func (m *Message) SetUserID(id uint32)          { m.userid = id }
func (m *Message) UserID() uint32               { return m.userid }
func (m *Message) SetRolemask(r Rolemask)       { m.rolemask = r }
func (m *Message) Rolemask() Rolemask           { return m.rolemask }
func (m *Message) HasFlag(f Flags) bool         { return m.flags&f != 0 }
func (m *Message) setFlag(f Flags, on bool) {
	if on {
		m.flags |= f
	} else {
		m.flags &^= f
	}
}

// SetTopic attaches a dot-separated topic string.
func (m *Message) SetTopic(topic string) {
	m.topic = topic
	m.setFlag(FlagHasTopic, topic != "")
}

func (m *Message) Topic() (string, error) {
	if !m.HasFlag(FlagHasTopic) {
		return "", ferr.ProtocolViolation("message: no topic present")
	}
	return m.topic, nil
}

// SetPayloadBytes replaces the payload. A zero-length slice clears the
// payload flag.
func (m *Message) SetPayloadBytes(b []byte) {
	if len(b) == 0 {
		m.payload = nil
		m.setFlag(FlagHasPayload, false)
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	m.payload = cp
	m.setFlag(FlagHasPayload, true)
}

// SetPayloadJSON marshals v and stores it as the payload.
func (m *Message) SetPayloadJSON(v any) error {
	b, err := jsonMarshal(v)
	if err != nil {
		return ferr.ProtocolViolation("message: json marshal: %v", err)
	}
	m.SetPayloadBytes(b)
	return nil
}

func (m *Message) PayloadBytes() ([]byte, error) {
	if !m.HasFlag(FlagHasPayload) {
		return nil, ferr.ProtocolViolation("message: no payload present")
	}
	return m.payload, nil
}

// PayloadJSON unmarshals the payload into v.
func (m *Message) PayloadJSON(v any) error {
	b, err := m.PayloadBytes()
	if err != nil {
		return err
	}
	return jsonUnmarshal(b, v)
}

// PayloadString returns the payload interpreted as a NUL-terminated string,
// sans the trailing NUL. Fails if the payload is absent or not terminated.
func (m *Message) PayloadString() (string, error) {
	b, err := m.PayloadBytes()
	if err != nil {
		return "", err
	}
	if len(b) == 0 || b[len(b)-1] != 0 {
		return "", ferr.ProtocolViolation("message: payload is not NUL-terminated")
	}
	return string(b[:len(b)-1]), nil
}

// SetPayloadString stores s as a NUL-terminated byte payload.
func (m *Message) SetPayloadString(s string) {
	m.SetPayloadBytes(append([]byte(s), 0))
}

//
// type-specific fields
//

func (m *Message) wrongType(op string) error {
	return ferr.ProtocolViolation("message: %s not valid on a %s message", op, m.typ)
}

// SetNodeID is valid on request messages only.
func (m *Message) SetNodeID(nodeid uint32) error {
	if m.typ != Request {
		return m.wrongType("set_nodeid")
	}
	m.aux1 = nodeid
	return nil
}

func (m *Message) NodeID() (uint32, error) {
	if m.typ != Request {
		return 0, m.wrongType("get_nodeid")
	}
	return m.aux1, nil
}

// SetMatchtag is valid on request and response messages.
func (m *Message) SetMatchtag(tag uint32) error {
	switch m.typ {
	case Request:
		m.aux2 = tag
	case Response:
		m.aux2 = tag
	default:
		return m.wrongType("set_matchtag")
	}
	return nil
}

func (m *Message) Matchtag() (uint32, error) {
	switch m.typ {
	case Request, Response:
		return m.aux2, nil
	default:
		return 0, m.wrongType("get_matchtag")
	}
}

// SetErrnum is valid on response and keepalive messages.
func (m *Message) SetErrnum(errnum uint32) error {
	switch m.typ {
	case Response, Keepalive:
		m.aux1 = errnum
	default:
		return m.wrongType("set_errnum")
	}
	return nil
}

func (m *Message) Errnum() (uint32, error) {
	switch m.typ {
	case Response, Keepalive:
		return m.aux1, nil
	default:
		return 0, m.wrongType("get_errnum")
	}
}

// SetSequence is valid on event messages only.
func (m *Message) SetSequence(seq uint32) error {
	if m.typ != Event {
		return m.wrongType("set_sequence")
	}
	m.aux1 = seq
	return nil
}

func (m *Message) Sequence() (uint32, error) {
	if m.typ != Event {
		return 0, m.wrongType("get_sequence")
	}
	return m.aux1, nil
}

// SetStatus is valid on keepalive messages only.
func (m *Message) SetStatus(status uint32) error {
	if m.typ != Keepalive {
		return m.wrongType("set_status")
	}
	m.aux2 = status
	return nil
}

func (m *Message) Status() (uint32, error) {
	if m.typ != Keepalive {
		return 0, m.wrongType("get_status")
	}
	return m.aux2, nil
}

//
// flags with entangled semantics
//

// SetStreaming and SetNoResponse enforce the mutual-exclusion invariant
// a message cannot be both streaming and no-response.
func (m *Message) SetStreaming(on bool) error {
	if on && m.HasFlag(FlagNoResponse) {
		return ferr.ProtocolViolation("message: streaming conflicts with no-response")
	}
	m.setFlag(FlagStreaming, on)
	return nil
}

func (m *Message) SetNoResponse(on bool) error {
	if on && m.HasFlag(FlagStreaming) {
		return ferr.ProtocolViolation("message: no-response conflicts with streaming")
	}
	m.setFlag(FlagNoResponse, on)
	return nil
}

func (m *Message) SetUpstreamHint(on bool) { m.setFlag(FlagUpstreamHint, on) }
func (m *Message) HasUpstreamHint() bool   { return m.HasFlag(FlagUpstreamHint) }
func (m *Message) SetPrivate(on bool)      { m.setFlag(FlagPrivate, on) }

//
// route stack
//

// SetRouteStackEnabled toggles has-route-stack. Disabling clears any
// accumulated route content; enabling starts from an empty stack if it was
// previously disabled. Enabled state is orthogonal to content otherwise.
func (m *Message) SetRouteStackEnabled(on bool) {
	wasOn := m.HasFlag(FlagHasRouteStack)
	m.setFlag(FlagHasRouteStack, on)
	if !on {
		m.route = nil
	} else if !wasOn {
		m.route = nil
	}
}

func (m *Message) RouteStackEnabled() bool { return m.HasFlag(FlagHasRouteStack) }

// PushRoute prepends id to the top of the route stack.
func (m *Message) PushRoute(id string) error {
	if !m.RouteStackEnabled() {
		return ferr.ProtocolViolation("message: route stack not enabled")
	}
	m.route = append([]string{id}, m.route...)
	return nil
}

// PopRoute removes and returns the top of the route stack.
func (m *Message) PopRoute() (string, error) {
	if !m.RouteStackEnabled() || len(m.route) == 0 {
		return "", ferr.ProtocolViolation("message: route stack empty")
	}
	top := m.route[0]
	m.route = m.route[1:]
	return top, nil
}

// FirstRoute returns the tail of the stack — the originator.
func (m *Message) FirstRoute() (string, error) {
	if len(m.route) == 0 {
		return "", ferr.ProtocolViolation("message: route stack empty")
	}
	return m.route[len(m.route)-1], nil
}

// LastRoute returns the head of the stack — the most recent router.
func (m *Message) LastRoute() (string, error) {
	if len(m.route) == 0 {
		return "", ferr.ProtocolViolation("message: route stack empty")
	}
	return m.route[0], nil
}

func (m *Message) RouteCount() int { return len(m.route) }

// Routes returns the route stack, top first, for callers that need the
// full ordered view (e.g. overlay match-against-parent checks).
func (m *Message) Routes() []string {
	out := make([]string, len(m.route))
	copy(out, m.route)
	return out
}

//
// annotations: per-process, interior-mutable, never wire-visible
//

func (m *Message) Annotate(key string, val any) {
	if m.annotations == nil {
		m.annotations = make(map[string]any)
	}
	m.annotations[key] = val
}

func (m *Message) Annotation(key string) (any, bool) {
	v, ok := m.annotations[key]
	return v, ok
}

//
// copy
//

// Copy duplicates the message. When deepPayload is true the payload bytes
// are copied as well; otherwise the copy shares the backing array (safe
// since payloads are never mutated in place after send).
func (m *Message) Copy(deepPayload bool) *Message {
	cp := &Message{
		typ:      m.typ,
		flags:    m.flags,
		userid:   m.userid,
		rolemask: m.rolemask,
		aux1:     m.aux1,
		aux2:     m.aux2,
		topic:    m.topic,
	}
	cp.route = append([]string(nil), m.route...)
	if deepPayload && m.payload != nil {
		cp.payload = append([]byte(nil), m.payload...)
	} else {
		cp.payload = m.payload
	}
	return cp
}

//
// frame counting
//

// Frames returns the number of wire frames Encode would produce.
func (m *Message) Frames() int {
	n := 1 // proto frame
	if m.HasFlag(FlagHasRouteStack) {
		n += len(m.route) + 1 // route frames + delimiter
	}
	if m.HasFlag(FlagHasTopic) {
		n++
	}
	if m.HasFlag(FlagHasPayload) {
		n++
	}
	return n
}

//
// encode / decode
//

func frameLen(n int) int {
	if n < 0xff {
		return 1 + n
	}
	return 5 + n
}

func writeFrame(buf []byte, data []byte) int {
	n := len(data)
	if n < 0xff {
		buf[0] = byte(n)
		copy(buf[1:], data)
		return 1 + n
	}
	buf[0] = 0xff
	binary.BigEndian.PutUint32(buf[1:5], uint32(n))
	copy(buf[5:], data)
	return 5 + n
}

func readFrame(buf []byte) (data []byte, consumed int, err error) {
	if len(buf) < 1 {
		return nil, 0, ferr.ProtocolViolation("message: truncated frame length")
	}
	if buf[0] != 0xff {
		n := int(buf[0])
		if len(buf) < 1+n {
			return nil, 0, ferr.ProtocolViolation("message: truncated frame body")
		}
		return buf[1 : 1+n], 1 + n, nil
	}
	if len(buf) < 5 {
		return nil, 0, ferr.ProtocolViolation("message: truncated extended frame length")
	}
	n := int(binary.BigEndian.Uint32(buf[1:5]))
	if len(buf) < 5+n {
		return nil, 0, ferr.ProtocolViolation("message: truncated extended frame body")
	}
	return buf[5 : 5+n], 5 + n, nil
}

// EncodeSize returns the exact number of bytes Encode will write.
func (m *Message) EncodeSize() int {
	total := frameLen(protoLen)
	if m.HasFlag(FlagHasRouteStack) {
		for _, id := range m.route {
			total += frameLen(len(id))
		}
		total += frameLen(0) // delimiter
	}
	if m.HasFlag(FlagHasTopic) {
		total += frameLen(len(m.topic))
	}
	if m.HasFlag(FlagHasPayload) {
		total += frameLen(len(m.payload))
	}
	return total
}

// Encode serializes m into buf (which must be at least EncodeSize() bytes)
// and returns the number of bytes written. Encoding into a short buffer
// fails without partial write to any user-visible state.
func (m *Message) Encode(buf []byte) (int, error) {
	need := m.EncodeSize()
	if len(buf) < need {
		return 0, ferr.ProtocolViolation("message: buffer too short: have %d need %d", len(buf), need)
	}
	off := 0
	// route frames, tail (originator) first, so the topmost route frame
	// is written last, immediately before the delimiter.
	if m.HasFlag(FlagHasRouteStack) {
		for i := len(m.route) - 1; i >= 0; i-- {
			off += writeFrame(buf[off:], []byte(m.route[i]))
		}
		off += writeFrame(buf[off:], nil) // delimiter
	}
	if m.HasFlag(FlagHasTopic) {
		off += writeFrame(buf[off:], []byte(m.topic))
	}
	if m.HasFlag(FlagHasPayload) {
		off += writeFrame(buf[off:], m.payload)
	}
	proto := make([]byte, protoLen)
	proto[0] = magicByte
	proto[1] = versionNum
	proto[2] = byte(m.typ)
	proto[3] = byte(m.flags)
	binary.BigEndian.PutUint32(proto[4:8], m.userid)
	binary.BigEndian.PutUint32(proto[8:12], uint32(m.rolemask))
	binary.BigEndian.PutUint32(proto[12:16], m.aux1)
	binary.BigEndian.PutUint32(proto[16:20], m.aux2)
	off += writeFrame(buf[off:], proto)
	return off, nil
}

// Decode parses a frame stream into a Message. The stream must contain
// exactly one proto frame, which must be the final frame.
func Decode(buf []byte) (*Message, error) {
	// First pass: split into frames so we know where the proto frame is.
	var frames [][]byte
	off := 0
	for off < len(buf) {
		data, n, err := readFrame(buf[off:])
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
		off += n
	}
	if len(frames) == 0 {
		return nil, ferr.ProtocolViolation("message: empty frame stream")
	}
	proto := frames[len(frames)-1]
	if len(proto) != protoLen {
		return nil, ferr.ProtocolViolation("message: proto frame has wrong length %d", len(proto))
	}
	if proto[0] != magicByte || proto[1] != versionNum {
		return nil, ferr.ProtocolViolation("message: bad magic/version %x/%x", proto[0], proto[1])
	}
	typ := Type(proto[2])
	if !typ.valid() {
		return nil, ferr.ProtocolViolation("message: bad type byte %d", proto[2])
	}
	m := &Message{
		typ:      typ,
		flags:    Flags(proto[3]),
		userid:   binary.BigEndian.Uint32(proto[4:8]),
		rolemask: Rolemask(binary.BigEndian.Uint32(proto[8:12])),
		aux1:     binary.BigEndian.Uint32(proto[12:16]),
		aux2:     binary.BigEndian.Uint32(proto[16:20]),
	}

	rest := frames[:len(frames)-1]
	idx := 0
	if m.HasFlag(FlagHasRouteStack) {
		for idx < len(rest) {
			if len(rest[idx]) == 0 {
				idx++ // consume delimiter
				break
			}
			// Pushing in encounter order (tail-first) builds the
			// correct top-first internal slice, per PushRoute's prepend
			// semantics.
			m.route = append([]string{string(rest[idx])}, m.route...)
			idx++
		}
	}
	if m.HasFlag(FlagHasTopic) {
		if idx >= len(rest) {
			return nil, ferr.ProtocolViolation("message: missing topic frame")
		}
		m.topic = string(rest[idx])
		idx++
	}
	if m.HasFlag(FlagHasPayload) {
		if idx >= len(rest) {
			return nil, ferr.ProtocolViolation("message: missing payload frame")
		}
		m.payload = append([]byte(nil), rest[idx]...)
		idx++
	}
	if idx != len(rest) {
		return nil, ferr.ProtocolViolation("message: %d unconsumed frames before proto", len(rest)-idx)
	}
	return m, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(flags=%#x routes=%d)", m.typ, m.flags, len(m.route))
}

//
// zmq multipart framing
//
// ZMQ sockets already delimit frames for us, so transport doesn't need the
// length-prefix encoding Encode/Decode use for flat byte storage (e.g. the
// content-addressed KVS). ToFrames/FromFrames produce/consume the same
// logical frame sequence as one []byte per zmq part, proto frame last.

// ToFrames returns the wire frames of m as one zmq part per frame, proto
// frame last, ready to hand to a zmq4 SendMessage call (after any
// transport-prepended routing frames).
func (m *Message) ToFrames() [][]byte {
	frames := make([][]byte, 0, m.Frames())
	if m.HasFlag(FlagHasRouteStack) {
		for i := len(m.route) - 1; i >= 0; i-- {
			frames = append(frames, []byte(m.route[i]))
		}
		frames = append(frames, nil)
	}
	if m.HasFlag(FlagHasTopic) {
		frames = append(frames, []byte(m.topic))
	}
	if m.HasFlag(FlagHasPayload) {
		frames = append(frames, m.payload)
	}
	proto := make([]byte, protoLen)
	proto[0] = magicByte
	proto[1] = versionNum
	proto[2] = byte(m.typ)
	proto[3] = byte(m.flags)
	binary.BigEndian.PutUint32(proto[4:8], m.userid)
	binary.BigEndian.PutUint32(proto[8:12], uint32(m.rolemask))
	binary.BigEndian.PutUint32(proto[12:16], m.aux1)
	binary.BigEndian.PutUint32(proto[16:20], m.aux2)
	frames = append(frames, proto)
	return frames
}

// FromFrames is the inverse of ToFrames, operating on an already
// part-delimited zmq multipart message rather than a flat length-prefixed
// buffer.
func FromFrames(frames [][]byte) (*Message, error) {
	if len(frames) == 0 {
		return nil, ferr.ProtocolViolation("message: empty frame stream")
	}
	proto := frames[len(frames)-1]
	if len(proto) != protoLen {
		return nil, ferr.ProtocolViolation("message: proto frame has wrong length %d", len(proto))
	}
	if proto[0] != magicByte || proto[1] != versionNum {
		return nil, ferr.ProtocolViolation("message: bad magic/version %x/%x", proto[0], proto[1])
	}
	typ := Type(proto[2])
	if !typ.valid() {
		return nil, ferr.ProtocolViolation("message: bad type byte %d", proto[2])
	}
	m := &Message{
		typ:      typ,
		flags:    Flags(proto[3]),
		userid:   binary.BigEndian.Uint32(proto[4:8]),
		rolemask: Rolemask(binary.BigEndian.Uint32(proto[8:12])),
		aux1:     binary.BigEndian.Uint32(proto[12:16]),
		aux2:     binary.BigEndian.Uint32(proto[16:20]),
	}

	rest := frames[:len(frames)-1]
	idx := 0
	if m.HasFlag(FlagHasRouteStack) {
		for idx < len(rest) {
			if len(rest[idx]) == 0 {
				idx++
				break
			}
			m.route = append([]string{string(rest[idx])}, m.route...)
			idx++
		}
	}
	if m.HasFlag(FlagHasTopic) {
		if idx >= len(rest) {
			return nil, ferr.ProtocolViolation("message: missing topic frame")
		}
		m.topic = string(rest[idx])
		idx++
	}
	if m.HasFlag(FlagHasPayload) {
		if idx >= len(rest) {
			return nil, ferr.ProtocolViolation("message: missing payload frame")
		}
		m.payload = append([]byte(nil), rest[idx]...)
		idx++
	}
	if idx != len(rest) {
		return nil, ferr.ProtocolViolation("message: %d unconsumed frames before proto", len(rest)-idx)
	}
	return m, nil
}
