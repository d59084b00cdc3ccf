package message

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m, err := Create(Request)
	if err != nil {
		t.Fatal(err)
	}
	m.SetUserID(42)
	m.SetRolemask(RoleUser)
	if err := m.SetNodeID(5); err != nil {
		t.Fatal(err)
	}
	if err := m.SetMatchtag(7); err != nil {
		t.Fatal(err)
	}
	m.SetTopic("scratch.ll")
	m.SetPayloadString("hello")
	m.SetRouteStackEnabled(true)
	m.PushRoute("0")
	m.PushRoute("2")

	size := m.EncodeSize()
	buf := make([]byte, size)
	n, err := m.Encode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != size {
		t.Fatalf("encode wrote %d bytes, EncodeSize said %d", n, size)
	}

	got, err := Decode(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if got.Type() != Request {
		t.Fatalf("type mismatch")
	}
	if nid, _ := got.NodeID(); nid != 5 {
		t.Fatalf("nodeid = %d, want 5", nid)
	}
	if mt, _ := got.Matchtag(); mt != 7 {
		t.Fatalf("matchtag = %d, want 7", mt)
	}
	topic, _ := got.Topic()
	if topic != "scratch.ll" {
		t.Fatalf("topic = %q", topic)
	}
	s, err := got.PayloadString()
	if err != nil || s != "hello" {
		t.Fatalf("payload = %q err=%v", s, err)
	}
	first, _ := got.FirstRoute()
	last, _ := got.LastRoute()
	if first != "0" || last != "2" {
		t.Fatalf("routes = first=%s last=%s, want 0/2", first, last)
	}
}

func TestRouteStackScenario(t *testing.T) {
	// route stack at rank 5 on receipt is [uuid(0), uuid(2)]
	// bottom to top, i.e. FirstRoute (originator) = "0", LastRoute (most
	// recent) = "2".
	m, _ := Create(Request)
	m.SetRouteStackEnabled(true)
	m.PushRoute("0")
	m.PushRoute("2")
	first, _ := m.FirstRoute()
	last, _ := m.LastRoute()
	if first != "0" || last != "2" {
		t.Fatalf("got first=%s last=%s", first, last)
	}
	top, err := m.PopRoute()
	if err != nil || top != "2" {
		t.Fatalf("pop = %s, %v; want 2", top, err)
	}
}

func TestStreamingNoResponseMutualExclusion(t *testing.T) {
	m, _ := Create(Request)
	if err := m.SetStreaming(true); err != nil {
		t.Fatal(err)
	}
	if err := m.SetNoResponse(true); err == nil {
		t.Fatal("expected conflict error")
	}
}

func TestWrongTypeAccessor(t *testing.T) {
	m, _ := Create(Response)
	if _, err := m.NodeID(); err == nil {
		t.Fatal("get_nodeid on a response should fail")
	}
}

func TestZeroPayloadClearsFlag(t *testing.T) {
	m, _ := Create(Event)
	m.SetPayloadBytes([]byte("x"))
	if !m.HasFlag(FlagHasPayload) {
		t.Fatal("expected payload flag set")
	}
	m.SetPayloadBytes(nil)
	if m.HasFlag(FlagHasPayload) {
		t.Fatal("zero-length payload should clear the flag")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	m, _ := Create(Event)
	buf := make([]byte, m.EncodeSize())
	n, _ := m.Encode(buf)
	corrupt := bytes.Clone(buf[:n])
	// proto frame is last; its first content byte is right after the
	// 1-byte length prefix of the final frame.
	corrupt[len(corrupt)-protoLen] = 0x00
	if _, err := Decode(corrupt); err == nil {
		t.Fatal("expected bad-magic error")
	}
}

func TestEncodeShortBufferFails(t *testing.T) {
	m, _ := Create(Event)
	m.SetPayloadString("x")
	buf := make([]byte, m.EncodeSize()-1)
	if _, err := m.Encode(buf); err == nil {
		t.Fatal("expected short-buffer error")
	}
}

func TestStringPayloadRequiresNulTerminator(t *testing.T) {
	m, _ := Create(Event)
	m.SetPayloadBytes([]byte("no-nul"))
	if _, err := m.PayloadString(); err == nil {
		t.Fatal("expected error for non-NUL-terminated payload")
	}
}

func TestDisableRouteStackClearsContent(t *testing.T) {
	m, _ := Create(Event)
	m.SetRouteStackEnabled(true)
	m.PushRoute("1")
	m.SetRouteStackEnabled(false)
	if m.RouteCount() != 0 {
		t.Fatal("disabling route stack should clear it")
	}
}
