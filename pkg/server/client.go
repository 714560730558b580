package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
	log "github.com/junbin-yang/rest-coap-go/pkg/utils/logger"
)

// 等待响应时检查ctx的间隔
const pollInterval = 100 * time.Millisecond

var ErrNotObservable = errors.New("resource is not observable")

// Client 向单个节点发请求，不做重传
// 一个Client同一时间只能执行一个Do或Observe
type Client struct {
	sock *Socket
	tids *coap.TidGenerator
}

// Dial 连接到 host:port 形式的地址
func Dial(address string) (*Client, error) {
	dst, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressInvalid, err)
	}
	sock, err := DialUDP(dst)
	if err != nil {
		return nil, err
	}
	return &Client{sock: sock, tids: coap.NewTidGenerator(uint16(rand.Uint32()))}, nil
}

func (c *Client) Close() error { return c.sock.Close() }

func (c *Client) RemoteAddr() *net.UDPAddr { return c.sock.DstAddr }

// NewRequest 构造一个CON请求，path可带"?query"
func (c *Client) NewRequest(method coap.Code, path string) (*coap.Packet, error) {
	req := coap.NewPacket(coap.TypeCON, method, c.tids.Next())
	query := ""
	for i := 0; i < len(path); i++ {
		if path[i] == '?' {
			path, query = path[:i], path[i+1:]
			break
		}
	}
	if err := req.SetURIPath(path); err != nil {
		return nil, err
	}
	if query != "" {
		if err := req.SetURIQuery(query); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Do 发送请求并等待响应
// 没有token的请求以事务ID作为token；ACK按事务ID匹配，分离的响应按token匹配
func (c *Client) Do(ctx context.Context, req *coap.Packet) (*coap.Packet, error) {
	if req.Tid() == 0 {
		req.SetTid(c.tids.Next())
	}
	token, ok := req.Token()
	if !ok {
		token = req.Tid()
		req.SetToken(token)
	}
	tid := req.Tid()

	n := req.Serialize()
	if _, err := c.sock.Send(req.Buffer()[:n]); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	log.Debugf("[CLIENT] 发送 %s %s tid=%d token=%#x", req.Type(), req.Code(), tid, token)

	return c.receive(ctx, func(p *coap.Packet) bool {
		if p.Type() == coap.TypeACK || p.Type() == coap.TypeRST {
			return p.Tid() == tid
		}
		t, ok := p.Token()
		return ok && t == token
	})
}

// Observe 订阅资源，每收到一次响应或通知调用一次fn，直到ctx结束
// 结束时发送一个不带Observe的GET以取消订阅，返回ctx的错误
func (c *Client) Observe(ctx context.Context, req *coap.Packet, fn func(resp *coap.Packet)) error {
	req.SetObserve(0)
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.Type() == coap.TypeRST {
		return fmt.Errorf("observe %s: reset by peer", req.URL())
	}
	fn(resp)
	if _, ok := resp.Observe(); !ok {
		return fmt.Errorf("observe %s: %w", req.URL(), ErrNotObservable)
	}

	token, _ := req.Token()
	for {
		p, err := c.receive(ctx, func(p *coap.Packet) bool {
			t, ok := p.Token()
			return ok && t == token && p.Type() != coap.TypeACK
		})
		if err != nil {
			c.cancelObserve(req.URL(), token)
			return err
		}
		fn(p)
	}
}

func (c *Client) cancelObserve(url string, token uint16) {
	req, err := c.NewRequest(coap.MethodGet, url)
	if err != nil {
		return
	}
	req.SetType(coap.TypeNON)
	req.SetToken(token)
	n := req.Serialize()
	if _, err := c.sock.Send(req.Buffer()[:n]); err != nil {
		log.Debugf("[CLIENT] 取消订阅失败: %v", err)
	}
}

// receive 读取直到match返回true，CON报文会先回一个空ACK
func (c *Client) receive(ctx context.Context, match func(p *coap.Packet) bool) (*coap.Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(pollInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := c.sock.Conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		buf := make([]byte, RecvBufferSize)
		n, err := c.sock.Conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil, fmt.Errorf("receive: %w", err)
		}

		p := &coap.Packet{Remote: c.sock.DstAddr}
		if err := coap.Parse(p, buf, n); err != nil {
			log.Warnf("[CLIENT] 丢弃无法解析的报文: %v", err)
			continue
		}
		if p.Type() == coap.TypeCON {
			c.ack(p.Tid())
		}
		if match(p) {
			return p, nil
		}
		log.Debugf("[CLIENT] 忽略不匹配的报文 %s tid=%d", p.Type(), p.Tid())
	}
}

func (c *Client) ack(tid uint16) {
	ack := coap.NewPacket(coap.TypeACK, coap.Empty, tid)
	n := ack.Serialize()
	if _, err := c.sock.Send(ack.Buffer()[:n]); err != nil {
		log.Debugf("[CLIENT] 发送ACK失败: %v", err)
	}
}
