package rest

import (
	"errors"
	"fmt"
	"net"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
	log "github.com/junbin-yang/rest-coap-go/pkg/utils/logger"
)

var (
	ErrNoSender      = errors.New("rest: no sender configured")
	ErrObserversFull = errors.New("rest: observer registry is full")
)

// Observer 一个订阅了资源变化的远端
type Observer struct {
	URL      string
	Remote   net.Addr
	Token    uint16
	HasToken bool

	// 最近一次通知使用的事务ID，用于匹配RST；notified为false时没有可匹配的事务
	lastTid  uint16
	notified bool
}

type observerRegistry struct {
	list []*Observer
	max  int
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

func (r *observerRegistry) find(url string, remote net.Addr) int {
	for i, o := range r.list {
		if o.URL == url && sameAddr(o.Remote, remote) {
			return i
		}
	}
	return -1
}

// add 同一远端重复订阅同一URL时只更新token
func (r *observerRegistry) add(o *Observer) error {
	if i := r.find(o.URL, o.Remote); i >= 0 {
		r.list[i].Token, r.list[i].HasToken = o.Token, o.HasToken
		return nil
	}
	if r.max > 0 && len(r.list) >= r.max {
		return ErrObserversFull
	}
	r.list = append(r.list, o)
	return nil
}

func (r *observerRegistry) removeAt(i int) {
	r.list = append(r.list[:i], r.list[i+1:]...)
}

// subscriptionHandler 周期资源的后置处理函数
// 携带Observe的GET注册观察者并在响应中带上Observe=0，不带Observe的GET取消该远端的订阅
func (e *Engine) subscriptionHandler(req, resp *coap.Packet) {
	if req.Method() != coap.MethodGet || req.Remote == nil {
		return
	}

	if _, ok := req.Observe(); !ok {
		if i := e.observers.find(req.URL(), req.Remote); i >= 0 {
			e.observers.removeAt(i)
			e.metrics.SetObservers(len(e.observers.list))
			log.Infof("[REST] 取消订阅 url=%s remote=%s", req.URL(), req.Remote)
		}
		return
	}

	token, hasToken := req.Token()
	err := e.observers.add(&Observer{
		URL:      req.URL(),
		Remote:   req.Remote,
		Token:    token,
		HasToken: hasToken,
	})
	if err != nil {
		log.Warnf("[REST] 订阅失败 url=%s remote=%s: %v", req.URL(), req.Remote, err)
		return
	}
	e.metrics.SetObservers(len(e.observers.list))
	log.Infof("[REST] 新增订阅 url=%s remote=%s", req.URL(), req.Remote)
	resp.SetObserve(0)
}

// Observers 返回某个URL当前的观察者，url为空时返回全部
func (e *Engine) Observers(url string) []Observer {
	var out []Observer
	for _, o := range e.observers.list {
		if url == "" || o.URL == url {
			out = append(out, *o)
		}
	}
	return out
}

// Reset 处理远端发来的RST，取消事务ID匹配的订阅
func (e *Engine) Reset(remote net.Addr, tid uint16) bool {
	for i, o := range e.observers.list {
		if o.notified && o.lastTid == tid && sameAddr(o.Remote, remote) {
			e.observers.removeAt(i)
			e.metrics.SetObservers(len(e.observers.list))
			log.Infof("[REST] 远端复位，取消订阅 url=%s remote=%s", o.URL, remote)
			return true
		}
	}
	return false
}

// NotifySubscribers 向r的每个观察者发送notification的副本
//
// 副本使用新的事务ID，Observe为counter，Token为观察者订阅时的token，不带Uri-Path。
// notification本身不会被修改。返回成功发送的数量，第一个发送错误会被返回。
func (e *Engine) NotifySubscribers(r *Resource, counter uint32, notification *coap.Packet) (int, error) {
	if e.sender == nil {
		return 0, ErrNoSender
	}

	sent := 0
	var firstErr error
	for _, o := range e.observers.list {
		if o.URL != r.URL {
			continue
		}

		n := notification.Clone(make([]byte, coap.MaxPacketSize))
		n.SetTid(e.tids.Next())
		n.SetObserve(counter)
		n.ClearOption(coap.OptionURIPath)
		if o.HasToken {
			n.SetToken(o.Token)
		} else {
			n.ClearOption(coap.OptionToken)
		}
		n.Remote = o.Remote
		size := n.Serialize()
		if n.Downgraded() {
			e.metrics.Downgrade()
		}
		o.lastTid, o.notified = n.Tid(), true

		err := e.sender.Send(o.Remote, n.Buffer()[:size])
		e.metrics.Notified(r.URL, err)
		if err != nil {
			log.Warnf("[REST] 通知发送失败 url=%s remote=%s: %v", r.URL, o.Remote, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("notify %s: %w", o.Remote, err)
			}
			continue
		}
		sent++
	}
	if sent > 0 {
		log.Debugf("[REST] 已通知 url=%s count=%d observe=%d", r.URL, sent, counter)
	}
	return sent, firstErr
}
