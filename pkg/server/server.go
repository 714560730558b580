// Package server 在UDP上承载rest.Engine
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
	"github.com/junbin-yang/rest-coap-go/pkg/metrics"
	"github.com/junbin-yang/rest-coap-go/pkg/rest"
	log "github.com/junbin-yang/rest-coap-go/pkg/utils/logger"
)

const (
	DefaultQueueSize    = 32
	DefaultTickInterval = time.Second
)

var ErrServerClosed = errors.New("server closed")

type Options struct {
	Address      string // 监听地址，为空时监听所有网卡
	Port         int
	TTL          int
	QueueSize    int           // 读协程与事件循环之间的队列长度
	TickInterval time.Duration // 没有周期资源到期时事件循环的最长等待时间
	Clock        clockwork.Clock
	Metrics      *metrics.Metrics
	Tids         *coap.TidGenerator
}

type datagram struct {
	data []byte
	src  *net.UDPAddr
}

// Server 单事件循环的CoAP服务端
//
// 读协程只负责收包，解析、分发、周期回调和通知全部在事件循环中串行执行，
// 因此资源处理函数无需加锁。需要在事件循环中执行的外部操作通过 Post 提交。
type Server struct {
	engine *rest.Engine
	opts   Options

	mu   sync.Mutex
	sock *Socket

	datagrams chan datagram
	tasks     chan func()
}

// New 创建服务端并把自己设置为engine的通知发送者
func New(engine *rest.Engine, opts Options) *Server {
	if opts.Port < 0 {
		opts.Port = coap.DefaultPort
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Clock == nil {
		opts.Clock = engine.Clock()
	}
	if opts.Tids == nil {
		opts.Tids = coap.NewTidGenerator(uint16(rand.Uint32()))
	}

	s := &Server{
		engine:    engine,
		opts:      opts,
		datagrams: make(chan datagram, opts.QueueSize),
		tasks:     make(chan func(), opts.QueueSize),
	}
	engine.SetSender(s)
	return s
}

// Listen 绑定socket，Run之前可单独调用以获得实际端口
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sock != nil {
		return nil
	}

	ip := net.IPv4zero
	if s.opts.Address != "" {
		if ip = net.ParseIP(s.opts.Address); ip == nil {
			return fmt.Errorf("%w: %s", ErrAddressInvalid, s.opts.Address)
		}
	}
	sock, err := ListenUDP(&net.UDPAddr{IP: ip, Port: s.opts.Port}, s.opts.TTL)
	if err != nil {
		return err
	}
	s.sock = sock
	log.Infof("[SERVER] 监听 %s", sock.LocalAddr())
	return nil
}

func (s *Server) LocalAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock.LocalAddr()
}

func (s *Server) socket() *Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock
}

// Run 运行直到ctx结束，返回时socket已关闭
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	sock := s.socket()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return sock.Close()
	})
	g.Go(func() error {
		return s.readLoop(ctx, sock)
	})
	g.Go(func() error {
		return s.eventLoop(ctx)
	})

	err := g.Wait()
	s.mu.Lock()
	s.sock = nil
	s.mu.Unlock()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrServerClosed) {
		err = nil
	}
	log.Infof("[SERVER] 已停止")
	return err
}

// Post 将fn提交到事件循环执行，ctx结束时放弃
func (s *Server) Post(ctx context.Context, fn func()) error {
	select {
	case s.tasks <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) readLoop(ctx context.Context, sock *Socket) error {
	buf := make([]byte, RecvBufferSize)
	for {
		n, src, _, err := sock.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			log.Warnf("[SERVER] 接收失败: %v", err)
			continue
		}
		if n <= 0 {
			continue
		}

		d := datagram{data: append([]byte(nil), buf[:n]...), src: src}
		select {
		case s.datagrams <- d:
		case <-ctx.Done():
			return ErrServerClosed
		}
	}
}

func (s *Server) eventLoop(ctx context.Context) error {
	timer := s.opts.Clock.NewTimer(s.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-s.datagrams:
			s.handle(d.data, d.src)
		case fn := <-s.tasks:
			fn()
		case <-timer.Chan():
			s.engine.Tick()
		}
		timer.Stop()
		timer.Reset(s.nextWait())
	}
}

// 距离最近一个周期资源到期的时间，不超过TickInterval
func (s *Server) nextWait() time.Duration {
	wait := s.opts.TickInterval
	if deadline, ok := s.engine.NextDeadline(); ok {
		if d := deadline.Sub(s.opts.Clock.Now()); d < wait {
			wait = max(d, 0)
		}
	}
	return wait
}

// handle 处理一个数据报，只在事件循环中调用
func (s *Server) handle(data []byte, src *net.UDPAddr) {
	var req coap.Packet
	req.Remote = src
	if err := coap.Parse(&req, data, len(data)); err != nil {
		s.opts.Metrics.ParseError()
		log.Warnf("[SERVER] 丢弃来自%s的报文: %v", src, err)
		return
	}
	s.opts.Metrics.Received(req.Type().String())
	log.Debugf("[SERVER] 收到 %s %s tid=%d url=%s from %s", req.Type(), req.Code(), req.Tid(), req.URL(), src)

	switch {
	case req.Type() == coap.TypeRST:
		s.engine.Reset(src, req.Tid())
		return
	case req.Code() == coap.Empty:
		// 空CON是ping，回RST
		if req.Type() == coap.TypeCON {
			s.reply(coap.NewPacket(coap.TypeRST, coap.Empty, req.Tid()), src)
		}
		return
	case !req.Code().IsMethod():
		return
	}

	s.reply(s.serve(&req), src)
}

// serve 为请求构造响应并分发
func (s *Server) serve(req *coap.Packet) *coap.Packet {
	var resp *coap.Packet
	if req.Type() == coap.TypeCON {
		resp = coap.NewPacket(coap.TypeACK, coap.OK200, req.Tid())
	} else {
		resp = coap.NewPacket(coap.TypeNON, coap.OK200, s.opts.Tids.Next())
	}
	resp.Remote = req.Remote
	if token, ok := req.Token(); ok {
		resp.SetToken(token)
	}

	// 分块请求换算成偏移量，块大小不超过单包负载上限
	size := uint16(coap.MaxPayloadSize)
	var offset int32
	num, _, reqSize, hasBlock := req.Block()
	if hasBlock {
		size = min(size, reqSize)
		off := int64(num) * int64(reqSize)
		if num > coap.MaxBlockNum || off > math.MaxInt32 || off/int64(size) > coap.MaxBlockNum {
			log.Warnf("[SERVER] 块号超出范围 num=%d size=%d from %s", num, reqSize, req.Remote)
			resp.SetStatus(coap.BadRequest400)
			resp.SetPayload([]byte(rest.BlockOutOfScope))
			s.opts.Metrics.Dispatched(req.Method().String(), resp.Code().String(), 0)
			return resp
		}
		offset = int32(off)
		num = uint32(off / int64(size))
	}
	start := offset

	began := time.Now()
	buffer := make([]byte, size)
	s.engine.Dispatch(req, resp, buffer, &offset)

	switch {
	case offset == -1 && hasBlock:
		_ = resp.SetBlock(num, false, size)
	case offset > start:
		_ = resp.SetBlock(num, true, size)
	}

	s.opts.Metrics.Dispatched(req.Method().String(), resp.Code().String(), time.Since(began).Seconds())
	return resp
}

func (s *Server) reply(resp *coap.Packet, dst net.Addr) {
	n := resp.Serialize()
	if resp.Downgraded() {
		s.opts.Metrics.Downgrade()
		log.Warnf("[SERVER] 响应超长，已降级为5.00 tid=%d", resp.Tid())
	}
	if err := s.Send(dst, resp.Buffer()[:n]); err != nil {
		log.Warnf("[SERVER] 发送响应失败: %v", err)
	}
}

// Send 实现rest.Sender
func (s *Server) Send(remote net.Addr, data []byte) error {
	sock := s.socket()
	if sock == nil {
		return ErrServerClosed
	}
	if _, err := sock.SendTo(data, remote); err != nil {
		return fmt.Errorf("send to %s: %w", remote, err)
	}
	if len(data) > 0 {
		s.opts.Metrics.Sent(coap.Type(data[0]>>4 & 0x03).String())
	}
	return nil
}
