package rest

import (
	"testing"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
)

func TestLinkFormat(t *testing.T) {
	e := NewEngine()
	e.Register(NewResource("sensors/temp", MethodGet, `title="Temperature";obs`, nil))
	e.Register(NewResource("config/threshold", MethodGet|MethodPut, "", nil))
	e.RegisterWellKnownCore()

	want := `</sensors/temp>;title="Temperature";obs,</config/threshold>`
	if got := e.LinkFormat(); got != want {
		t.Errorf("LinkFormat() = %q, 期望 %q", got, want)
	}

	resp, ok := dispatch(e, newRequest(t, coap.MethodGet, WellKnownCoreURL))
	if !ok || string(resp.Payload()) != want {
		t.Errorf("GET .well-known/core = %q/%v", resp.Payload(), ok)
	}
	if ct, _ := resp.ContentType(); ct != coap.AppLinkFormat {
		t.Errorf("Content-Type期望40, 实际 %d", ct)
	}
}

func TestWellKnownCoreBlocks(t *testing.T) {
	e := NewEngine()
	e.Register(NewResource("aaaaaaaaaa", MethodGet, "", nil))
	e.Register(NewResource("bbbbbbbbbb", MethodGet, "", nil))
	e.RegisterWellKnownCore()
	links := e.LinkFormat()

	var got []byte
	var offset int32
	buffer := make([]byte, 16)
	for i := 0; i < 10 && offset != -1; i++ {
		req := newRequest(t, coap.MethodGet, WellKnownCoreURL)
		resp := coap.NewPacket(coap.TypeACK, coap.OK200, req.Tid())
		start := offset
		e.Dispatch(req, resp, buffer, &offset)
		if offset != -1 && offset != start+int32(len(buffer)) {
			t.Fatalf("offset推进错误: %d -> %d", start, offset)
		}
		got = append(got, resp.Payload()...)
	}
	if offset != -1 || string(got) != links {
		t.Errorf("分块拼接结果 %q, 期望 %q", got, links)
	}

	offset = int32(len(links) + 1)
	resp := coap.NewPacket(coap.TypeACK, coap.OK200, 1)
	e.Dispatch(newRequest(t, coap.MethodGet, WellKnownCoreURL), resp, buffer, &offset)
	if resp.Code() != coap.BadRequest400 || offset != -1 {
		t.Errorf("越界偏移期望4.00, 实际 %v offset=%d", resp.Code(), offset)
	}
}
