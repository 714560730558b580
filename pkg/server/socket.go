package server

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	log "github.com/junbin-yang/rest-coap-go/pkg/utils/logger"
)

const (
	DefaultTTL     = 64   // 默认TTL值
	RecvBufferSize = 1024 // 接收缓冲区，大于任何合法报文
)

var (
	ErrInvalidParam       = errors.New("invalid parameter")
	ErrAddressInvalid     = errors.New("invalid address")
	ErrSocketCreateFailed = errors.New("socket create failed")
	ErrBindFailed         = errors.New("bind failed")
	ErrConnectFailed      = errors.New("connect failed")
)

// Socket UDP连接及其IPv4控制接口
type Socket struct {
	Conn    *net.UDPConn
	DstAddr *net.UDPAddr // 客户端使用的目标地址，服务端为nil

	pc *ipv4.PacketConn
}

// ListenUDP 创建并绑定服务端UDP socket
// 设置单播TTL并尝试开启目的地址控制消息，后者在部分平台上不支持，失败时只记录日志
func ListenUDP(addr *net.UDPAddr, ttl int) (*Socket, error) {
	if addr == nil {
		return nil, ErrAddressInvalid
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetTTL(ttl); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: set ttl: %v", ErrSocketCreateFailed, err)
	}
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		log.Debugf("[SERVER] 不支持目的地址控制消息: %v", err)
	}

	return &Socket{Conn: conn, pc: pc}, nil
}

// DialUDP 创建连接到dst的客户端socket
func DialUDP(dst *net.UDPAddr) (*Socket, error) {
	if dst == nil {
		return nil, ErrAddressInvalid
	}
	conn, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return &Socket{Conn: conn, DstAddr: dst, pc: ipv4.NewPacketConn(conn)}, nil
}

func (s *Socket) LocalAddr() *net.UDPAddr {
	if s == nil || s.Conn == nil {
		return nil
	}
	addr, _ := s.Conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Recv 读取一个数据报，dst为报文的目的地址，平台不支持控制消息时为nil
func (s *Socket) Recv(buf []byte) (n int, src *net.UDPAddr, dst net.IP, err error) {
	if s == nil || s.pc == nil || buf == nil {
		return 0, nil, nil, ErrInvalidParam
	}
	n, cm, addr, err := s.pc.ReadFrom(buf)
	if err != nil {
		return 0, nil, nil, err
	}
	if cm != nil {
		dst = cm.Dst
	}
	src, _ = addr.(*net.UDPAddr)
	return n, src, dst, nil
}

// Send 向已连接的目标发送
func (s *Socket) Send(data []byte) (int, error) {
	if s == nil || s.Conn == nil || data == nil {
		return 0, ErrInvalidParam
	}
	return s.Conn.Write(data)
}

// SendTo 服务端向指定地址发送
func (s *Socket) SendTo(data []byte, addr net.Addr) (int, error) {
	if s == nil || s.Conn == nil || data == nil || addr == nil {
		return 0, ErrInvalidParam
	}
	return s.Conn.WriteTo(data, addr)
}

func (s *Socket) Close() error {
	if s == nil || s.Conn == nil {
		return nil
	}
	return s.Conn.Close()
}
