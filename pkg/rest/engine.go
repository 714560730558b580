// Package rest 在CoAP编解码之上实现资源注册与分发
package rest

import (
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
	"github.com/junbin-yang/rest-coap-go/pkg/metrics"
	log "github.com/junbin-yang/rest-coap-go/pkg/utils/logger"
)

// DefaultMaxObservers 观察者注册表的默认容量
const DefaultMaxObservers = 8

// Sender 将编码好的报文发往remote，由传输层实现
type Sender interface {
	Send(remote net.Addr, data []byte) error
}

// Engine 资源分发器
//
// Engine 不加锁，注册必须在开始分发之前完成，Dispatch、Tick、NotifySubscribers 和 Reset
// 只能在同一个goroutine中调用。
type Engine struct {
	resources []*Resource
	periodic  []*PeriodicResource

	clock     clockwork.Clock
	sender    Sender
	tids      *coap.TidGenerator
	metrics   *metrics.Metrics
	observers observerRegistry
}

type Option func(*Engine)

// WithClock 替换周期定时器使用的时钟，测试中传入 clockwork.NewFakeClock()
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithSender(sender Sender) Option {
	return func(e *Engine) { e.sender = sender }
}

// WithTidGenerator 通知报文使用的事务ID生成器，通常与服务端共用
func WithTidGenerator(tids *coap.TidGenerator) Option {
	return func(e *Engine) { e.tids = tids }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithMaxObservers(n int) Option {
	return func(e *Engine) { e.observers.max = n }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:     clockwork.NewRealClock(),
		tids:      coap.NewTidGenerator(uint16(time.Now().UnixNano())),
		observers: observerRegistry{max: DefaultMaxObservers},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSender 在传输层创建之后补充设置发送者
func (e *Engine) SetSender(sender Sender) { e.sender = sender }

func (e *Engine) Clock() clockwork.Clock { return e.clock }

// Register 追加资源，不检查重复，分发时先注册者优先
func (e *Engine) Register(r *Resource) {
	log.Infof("[REST] 注册资源 url=%s methods=%s", r.URL, r.Methods)
	e.resources = append(e.resources, r)
}

// RegisterPeriodic 注册资源并为其安装订阅处理函数，定时器从当前时间开始计时
func (e *Engine) RegisterPeriodic(pr *PeriodicResource) {
	e.Register(pr.Resource)
	pr.Resource.PostHandler = e.subscriptionHandler
	e.periodic = append(e.periodic, pr)
	if pr.Period > 0 {
		pr.deadline = e.clock.Now().Add(pr.Period)
	}
}

// Resources 返回已注册资源，调用方不得修改
func (e *Engine) Resources() []*Resource { return e.resources }

// Lookup 按URL查找第一个匹配的资源
func (e *Engine) Lookup(url string) *Resource {
	for _, r := range e.resources {
		if r.URL == url {
			return r
		}
	}
	return nil
}

// Dispatch 将请求分发给URL完全匹配的第一个资源
//
// 找到资源但方法不允许时响应4.05，找不到资源时响应4.04，两种情况都返回false。
// 方法允许时依次执行前置处理、主处理和后置处理，前置处理返回false时后两者都不执行。
func (e *Engine) Dispatch(req, resp *coap.Packet, buffer []byte, offset *int32) bool {
	url := req.URL()
	r := e.Lookup(url)
	if r == nil {
		log.Debugf("[REST] 资源不存在 url=%s", url)
		resp.SetStatus(coap.NotFound404)
		return false
	}

	req.SetURL(r.URL)
	method := MethodOf(req.Method())
	if r.Methods&method == 0 {
		log.Debugf("[REST] 方法不允许 url=%s method=%s", url, req.Method())
		resp.SetStatus(coap.MethodNotAllowed405)
		return false
	}

	if r.PreHandler != nil && !r.PreHandler(req, resp) {
		return true
	}
	if r.Handler != nil {
		r.Handler(req, resp, buffer, offset)
	}
	if r.PostHandler != nil {
		r.PostHandler(req, resp)
	}
	return true
}

// Tick 执行所有已到期的周期回调，每个资源最多一次，然后从当前时间重新计时
// 返回本次触发的回调数
func (e *Engine) Tick() int {
	now := e.clock.Now()
	fired := 0
	for _, pr := range e.periodic {
		if pr.Period <= 0 || now.Before(pr.deadline) {
			continue
		}
		if pr.PeriodicHandler != nil {
			pr.PeriodicHandler(pr.Resource)
		}
		pr.deadline = now.Add(pr.Period)
		e.metrics.PeriodicFired(pr.URL)
		fired++
	}
	return fired
}

// NextDeadline 返回最早的到期时间，没有启用的周期资源时ok为false
func (e *Engine) NextDeadline() (deadline time.Time, ok bool) {
	for _, pr := range e.periodic {
		if pr.Period <= 0 {
			continue
		}
		if !ok || pr.deadline.Before(deadline) {
			deadline, ok = pr.deadline, true
		}
	}
	return deadline, ok
}
