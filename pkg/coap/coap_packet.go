package coap

import (
	"math/bits"
	"net"
	"strings"
)

// Packet 结构化的CoAP消息
//
// Packet 总是绑定在调用方提供的缓冲区上：发送路径通过 Init 绑定，接收路径通过 Parse 绑定。
// Uri-Host/Location-Path/Uri-Path/Uri-Query 以及负载都是指向该缓冲区的切片而不是拷贝，
// 因此 Packet 只在缓冲区有效期内有效，缓冲区被下一次接收覆盖后，之前解析出的 Packet 全部失效。
type Packet struct {
	Header  Header
	options OptionSet

	contentType  ContentType
	maxAge       uint32
	etag         [ETagLen]byte
	etagLen      uint8
	uriHost      []byte
	locationPath []byte
	uriPath      []byte
	uriQuery     []byte
	observe      uint32
	token        uint16
	blockNum     uint32
	blockMore    bool
	blockSize    uint16

	payload []byte

	// REST层使用的URL，解析时取自Uri-Path，分发时替换为资源自身的URL
	url string

	buf        []byte
	downgraded bool

	// 来源或目的地址，由传输层填写，编解码不使用
	Remote net.Addr
}

// Init 清空packet并绑定缓冲区，设置版本、类型、代码和事务ID
func (p *Packet) Init(buf []byte, typ Type, code Code, tid uint16) {
	*p = Packet{buf: buf}
	p.Header.Version = Version
	p.Header.Type = typ
	p.Header.OptionCount = 0
	p.Header.Code = code
	p.Header.Tid = tid
}

// NewPacket 分配一个最大包长的缓冲区并初始化
func NewPacket(typ Type, code Code, tid uint16) *Packet {
	p := new(Packet)
	p.Init(make([]byte, MaxPacketSize), typ, code, tid)
	return p
}

// Buffer 返回绑定的缓冲区
func (p *Packet) Buffer() []byte { return p.buf }

// Options 返回选项存在位图
func (p *Packet) Options() OptionSet { return p.options }

// Has 判断是否携带某个选项
func (p *Packet) Has(o OptionNumber) bool { return p.options.Has(o) }

// Downgraded 报告最近一次序列化是否因超长而被替换为5.00响应
func (p *Packet) Downgraded() bool { return p.downgraded }

func (p *Packet) Type() Type   { return p.Header.Type }
func (p *Packet) Tid() uint16  { return p.Header.Tid }
func (p *Packet) Code() Code   { return p.Header.Code }
func (p *Packet) Method() Code { return p.Header.Code }

func (p *Packet) SetType(t Type)    { p.Header.Type = t }
func (p *Packet) SetTid(tid uint16) { p.Header.Tid = tid }
func (p *Packet) SetCode(code Code) { p.Header.Code = code }

// SetStatus 响应处理函数设置状态码，与SetCode等价
func (p *Packet) SetStatus(code Code) { p.SetCode(code) }

// URL REST层看到的请求路径
func (p *Packet) URL() string { return p.url }

func (p *Packet) SetURL(url string) { p.url = url }

// ---------- 头部选项 ----------

func (p *Packet) ContentType() (ContentType, bool) {
	return p.contentType, p.options.Has(OptionContentType)
}

func (p *Packet) SetContentType(ct ContentType) {
	p.contentType = ct
	p.options.Set(OptionContentType)
}

func (p *Packet) MaxAge() (uint32, bool) {
	return p.maxAge, p.options.Has(OptionMaxAge)
}

func (p *Packet) SetMaxAge(age uint32) {
	p.maxAge = age
	p.options.Set(OptionMaxAge)
}

// ETag 返回的切片属于packet本身
func (p *Packet) ETag() ([]byte, bool) {
	if !p.options.Has(OptionETag) {
		return nil, false
	}
	return p.etag[:p.etagLen], true
}

// SetETag 超过4字节的部分被截掉，返回实际保存的长度
func (p *Packet) SetETag(etag []byte) int {
	n := copy(p.etag[:], etag)
	p.etagLen = uint8(n)
	p.options.Set(OptionETag)
	return n
}

func (p *Packet) URIHost() ([]byte, bool) {
	return p.uriHost, p.options.Has(OptionURIHost)
}

func (p *Packet) SetURIHost(host string) error {
	if len(host) > MaxOptionLen {
		return ErrOptionTooLong
	}
	p.uriHost = []byte(host)
	p.options.Set(OptionURIHost)
	return nil
}

func (p *Packet) LocationPath() ([]byte, bool) {
	return p.locationPath, p.options.Has(OptionLocationPath)
}

// SetLocationPath 去掉开头的'/'
func (p *Packet) SetLocationPath(path string) error {
	path = strings.TrimLeft(path, "/")
	if len(path) > MaxOptionLen {
		return ErrOptionTooLong
	}
	p.locationPath = []byte(path)
	p.options.Set(OptionLocationPath)
	return nil
}

func (p *Packet) URIPath() ([]byte, bool) {
	return p.uriPath, p.options.Has(OptionURIPath)
}

// SetURIPath 去掉开头的'/'，同时更新REST层URL
func (p *Packet) SetURIPath(path string) error {
	path = strings.TrimLeft(path, "/")
	if len(path) > MaxOptionLen {
		return ErrOptionTooLong
	}
	p.uriPath = []byte(path)
	p.url = path
	p.options.Set(OptionURIPath)
	return nil
}

func (p *Packet) Observe() (uint32, bool) {
	return p.observe, p.options.Has(OptionObserve)
}

func (p *Packet) SetObserve(observe uint32) {
	p.observe = observe
	p.options.Set(OptionObserve)
}

func (p *Packet) Token() (uint16, bool) {
	return p.token, p.options.Has(OptionToken)
}

func (p *Packet) SetToken(token uint16) {
	p.token = token
	p.options.Set(OptionToken)
}

// Block 返回块号、是否还有后续块、块大小
func (p *Packet) Block() (num uint32, more bool, size uint16, ok bool) {
	if !p.options.Has(OptionBlock) {
		return 0, false, 0, false
	}
	return p.blockNum, p.blockMore, p.blockSize, true
}

// SetBlock 构造发送包时校验分块参数：大小必须是[16,2048]内的2的幂，块号不超过20位
func (p *Packet) SetBlock(num uint32, more bool, size uint16) error {
	if size < MinBlockSize || size > MaxBlockSize || bits.OnesCount16(size) != 1 {
		return ErrInvalidBlockSize
	}
	if num > MaxBlockNum {
		return ErrInvalidBlockNum
	}
	p.blockNum = num
	p.blockMore = more
	p.blockSize = size
	p.options.Set(OptionBlock)
	return nil
}

func (p *Packet) URIQuery() ([]byte, bool) {
	return p.uriQuery, p.options.Has(OptionURIQuery)
}

// SetURIQuery 去掉开头的'?'
func (p *Packet) SetURIQuery(query string) error {
	query = strings.TrimLeft(query, "?")
	if len(query) > MaxOptionLen {
		return ErrOptionTooLong
	}
	p.uriQuery = []byte(query)
	p.options.Set(OptionURIQuery)
	return nil
}

// ClearOption 去掉某个选项（字段值保留，不再被序列化）
func (p *Packet) ClearOption(o OptionNumber) {
	p.options.Clear(o)
}

// ---------- 负载 ----------

func (p *Packet) Payload() []byte { return p.payload }

// SetPayload 只保存引用，超过MaxPayloadSize的部分被截掉，返回实际长度
func (p *Packet) SetPayload(payload []byte) int {
	if len(payload) > MaxPayloadSize {
		payload = payload[:MaxPayloadSize]
	}
	p.payload = payload
	return len(payload)
}

// Clone 复制packet的全部字段并绑定到新的缓冲区，切片字段仍引用原内存
func (p *Packet) Clone(buf []byte) *Packet {
	c := *p
	c.buf = buf
	c.downgraded = false
	return &c
}
