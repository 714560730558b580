package rest

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
)

type sentPacket struct {
	remote net.Addr
	data   []byte
}

type fakeSender struct {
	sent []sentPacket
	err  error
}

func (s *fakeSender) Send(remote net.Addr, data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentPacket{remote: remote, data: append([]byte(nil), data...)})
	return nil
}

func udpAddr(port int) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func newObservable(t *testing.T, opts ...Option) (*Engine, *Resource, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	opts = append([]Option{WithClock(clockwork.NewFakeClock()), WithSender(sender)}, opts...)
	e := NewEngine(opts...)
	r := NewResource("sensors/temp", MethodGet, "obs", func(req, resp *coap.Packet, buffer []byte, offset *int32) {
		resp.SetPayload([]byte("21.50"))
	})
	e.RegisterPeriodic(NewPeriodicResource(r, time.Second, nil))
	return e, r, sender
}

func subscribe(t *testing.T, e *Engine, remote net.Addr, token uint16, observe bool) *coap.Packet {
	t.Helper()
	req := newRequest(t, coap.MethodGet, "sensors/temp")
	req.Remote = remote
	req.SetToken(token)
	if observe {
		req.SetObserve(0)
	}
	resp, ok := dispatch(e, req)
	if !ok {
		t.Fatalf("订阅请求分发失败: %v", resp.Code())
	}
	return resp
}

func TestObserveRegisterAndNotify(t *testing.T) {
	e, r, sender := newObservable(t)
	remote := udpAddr(40000)

	resp := subscribe(t, e, remote, 0xBEEF, true)
	if obs, ok := resp.Observe(); !ok || obs != 0 {
		t.Errorf("订阅响应应携带Observe=0, 实际 %d/%v", obs, ok)
	}
	if got := e.Observers("sensors/temp"); len(got) != 1 || got[0].Token != 0xBEEF {
		t.Fatalf("观察者注册错误: %+v", got)
	}

	// 重复订阅只更新token
	subscribe(t, e, remote, 0xCAFE, true)
	if got := e.Observers(""); len(got) != 1 || got[0].Token != 0xCAFE {
		t.Fatalf("重复订阅应只更新token: %+v", got)
	}

	notification := coap.NewPacket(coap.TypeNON, coap.OK200, 0)
	notification.SetContentType(coap.TextPlain)
	_ = notification.SetURIPath("sensors/temp")
	notification.SetPayload([]byte("22.00"))

	n, err := e.NotifySubscribers(r, 7, notification)
	if err != nil || n != 1 {
		t.Fatalf("NotifySubscribers = %d, %v", n, err)
	}
	if len(sender.sent) != 1 || sender.sent[0].remote.String() != remote.String() {
		t.Fatalf("发送记录错误: %+v", sender.sent)
	}

	var p coap.Packet
	if err := coap.Parse(&p, sender.sent[0].data, len(sender.sent[0].data)); err != nil {
		t.Fatalf("解析通知失败: %v", err)
	}
	if obs, ok := p.Observe(); !ok || obs != 7 {
		t.Errorf("通知Observe期望7, 实际 %d/%v", obs, ok)
	}
	if tok, ok := p.Token(); !ok || tok != 0xCAFE {
		t.Errorf("通知Token期望0xCAFE, 实际 %#x/%v", tok, ok)
	}
	if p.Has(coap.OptionURIPath) {
		t.Errorf("通知不应携带Uri-Path")
	}
	if string(p.Payload()) != "22.00" || p.Type() != coap.TypeNON {
		t.Errorf("通知内容错误: type=%v payload=%q", p.Type(), p.Payload())
	}
	if !notification.Has(coap.OptionURIPath) {
		t.Errorf("原通知不应被修改")
	}

	// RST按事务ID取消订阅
	if e.Reset(remote, p.Tid()+1) {
		t.Errorf("事务ID不匹配时不应取消订阅")
	}
	if !e.Reset(remote, p.Tid()) {
		t.Errorf("事务ID匹配时应取消订阅")
	}
	if len(e.Observers("")) != 0 {
		t.Errorf("复位后观察者应被移除")
	}
}

func TestResetBeforeFirstNotification(t *testing.T) {
	e, r, _ := newObservable(t)
	remote := udpAddr(40003)
	subscribe(t, e, remote, 1, true)

	// 还没有发出过通知，任何事务ID的RST都不能匹配
	if e.Reset(remote, 0) {
		t.Errorf("未通知过的观察者不应被tid=0的RST取消")
	}
	if len(e.Observers("")) != 1 {
		t.Fatalf("观察者不应被移除")
	}

	if _, err := e.NotifySubscribers(r, 1, coap.NewPacket(coap.TypeNON, coap.OK200, 0)); err != nil {
		t.Fatal(err)
	}
	tid := e.Observers("")[0].lastTid
	if !e.Reset(remote, tid) {
		t.Errorf("通知之后匹配的RST应取消订阅")
	}
}

func TestObserveCancelByPlainGet(t *testing.T) {
	e, _, _ := newObservable(t)
	a, b := udpAddr(40001), udpAddr(40002)

	subscribe(t, e, a, 1, true)
	subscribe(t, e, b, 2, true)
	resp := subscribe(t, e, a, 1, false)
	if resp.Has(coap.OptionObserve) {
		t.Errorf("取消订阅的响应不应携带Observe")
	}

	got := e.Observers("")
	if len(got) != 1 || got[0].Remote.String() != b.String() {
		t.Errorf("只应取消同一远端的订阅: %+v", got)
	}
}

func TestObserveRegistryFull(t *testing.T) {
	e, _, _ := newObservable(t, WithMaxObservers(1))

	subscribe(t, e, udpAddr(40001), 1, true)
	resp := subscribe(t, e, udpAddr(40002), 2, true)
	if resp.Has(coap.OptionObserve) {
		t.Errorf("注册表已满时响应不应携带Observe")
	}
	if len(e.Observers("")) != 1 {
		t.Errorf("注册表已满时不应新增观察者")
	}
}

func TestNotifyErrors(t *testing.T) {
	e := NewEngine()
	r := NewResource("x", MethodGet, "", nil)
	if _, err := e.NotifySubscribers(r, 1, coap.NewPacket(coap.TypeNON, coap.OK200, 0)); !errors.Is(err, ErrNoSender) {
		t.Errorf("未设置发送者时期望ErrNoSender, 实际 %v", err)
	}

	e, r, sender := newObservable(t)
	subscribe(t, e, udpAddr(40003), 1, true)
	sendErr := errors.New("network down")
	sender.err = sendErr
	n, err := e.NotifySubscribers(r, 1, coap.NewPacket(coap.TypeNON, coap.OK200, 0))
	if n != 0 || !errors.Is(err, sendErr) {
		t.Errorf("发送失败时期望0/%v, 实际 %d/%v", sendErr, n, err)
	}
}
