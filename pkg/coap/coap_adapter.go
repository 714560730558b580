package coap

import (
	"encoding/binary"
	"math/bits"
	"sync"
)

// 写缓冲区，写越界时置位overflow而不是报错，由Serialize统一处理
type packetWriter struct {
	buf      []byte
	pos      int
	overflow bool
}

func (w *packetWriter) writeByte(b byte) {
	if w.pos >= len(w.buf) {
		w.overflow = true
		return
	}
	w.buf[w.pos] = b
	w.pos++
}

func (w *packetWriter) writeBytes(data []byte) {
	if w.pos+len(data) > len(w.buf) {
		w.overflow = true
		return
	}
	copy(w.buf[w.pos:], data)
	w.pos += len(data)
}

// PutUint 以最少字节数大端写入v（0写0字节），b至少4字节，返回写入长度
func PutUint(b []byte, v uint32) int {
	n := (bits.Len32(v) + 7) / 8
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return n
}

// Uint 将0~4字节按大端拼接成无符号整数
func Uint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// Serialize 将packet编码到绑定的缓冲区，返回总长度（头部+选项+负载）
//
// 选项按编号升序固定输出，与调用方设置的先后无关。总长度受 min(len(buf), MaxPacketSize)
// 限制，放不下时packet被原地降级为5.00响应：清空全部选项，负载替换为 OverflowDiagnostic。
// 降级是持久的，且事务ID、选项数会写回Header，一个packet只应序列化一次。
func (p *Packet) Serialize() int {
	if len(p.buf) < HeaderLen {
		return 0
	}
	limit := min(len(p.buf), MaxPacketSize)
	w := &packetWriter{buf: p.buf[:limit], pos: HeaderLen}

	p.Header.Version = Version
	p.Header.OptionCount = 0
	prev := OptionNumber(0)
	var scratch [4]byte

	emit := func(num OptionNumber, value []byte) {
		delta := byte(num - prev)
		if len(value) < 15 {
			w.writeByte(delta<<4 | byte(len(value)))
		} else {
			w.writeByte(delta<<4 | 0x0F)
			w.writeByte(byte(len(value) - 15))
		}
		w.writeBytes(value)
		prev = num
		p.Header.OptionCount++
	}

	if p.options.Has(OptionContentType) {
		emit(OptionContentType, []byte{byte(p.contentType)})
	}
	if p.options.Has(OptionMaxAge) {
		emit(OptionMaxAge, scratch[:PutUint(scratch[:], p.maxAge)])
	}
	if p.options.Has(OptionETag) {
		emit(OptionETag, p.etag[:p.etagLen])
	}
	if p.options.Has(OptionURIHost) {
		emit(OptionURIHost, p.uriHost)
	}
	if p.options.Has(OptionLocationPath) {
		emit(OptionLocationPath, p.locationPath)
	}
	if p.options.Has(OptionURIPath) {
		emit(OptionURIPath, p.uriPath)
	}
	if p.options.Has(OptionObserve) {
		emit(OptionObserve, scratch[:PutUint(scratch[:], p.observe)])
	}
	if p.options.Has(OptionToken) {
		emit(OptionToken, scratch[:PutUint(scratch[:], uint32(p.token))])
	}
	if p.options.Has(OptionBlock) {
		block := p.blockNum << 4
		if p.blockMore {
			block |= 0x08
		}
		block |= uint32(bits.Len16(p.blockSize/16)-1) & 0x0F
		emit(OptionBlock, scratch[:PutUint(scratch[:], block)])
	}
	if p.options.Has(OptionURIQuery) {
		emit(OptionURIQuery, p.uriQuery)
	}

	if w.overflow || w.pos+len(p.payload) > limit {
		return p.downgrade(limit)
	}

	start := w.pos
	w.writeBytes(p.payload)
	p.payload = p.buf[start:w.pos]
	p.writeHeader()
	return w.pos
}

// 超长降级：5.00 + 固定诊断信息，之前写入的选项全部作废
func (p *Packet) downgrade(limit int) int {
	p.Header.Code = InternalServerError500
	p.Header.OptionCount = 0
	p.options = 0
	n := copy(p.buf[HeaderLen:limit], OverflowDiagnostic)
	p.payload = p.buf[HeaderLen : HeaderLen+n]
	p.downgraded = true
	p.writeHeader()
	return HeaderLen + n
}

func (p *Packet) writeHeader() {
	p.buf[0] = p.Header.Version<<6 | byte(p.Header.Type&0x03)<<4 | p.Header.OptionCount&0x0F
	p.buf[1] = byte(p.Header.Code)
	binary.BigEndian.PutUint16(p.buf[2:4], p.Header.Tid)
}

// Parse 从buf的前length字节解析出packet
//
// 信任边界：只做保证切片不越界所必需的检查（长度不足头部、选项越过length时返回
// ErrPacketTruncated），不校验版本号、oc是否合理、分块参数等，调用方需确保数据来源可信。
// 未知编号的选项只记录存在位，不填充字段。解析不修改buf。
func Parse(p *Packet, buf []byte, length int) error {
	if length > len(buf) {
		length = len(buf)
	}
	if length < HeaderLen {
		return ErrPacketTruncated
	}
	buf = buf[:length]

	*p = Packet{buf: buf, Remote: p.Remote}
	p.Header.Version = buf[0] >> 6
	p.Header.Type = Type(buf[0]>>4) & 0x03
	p.Header.OptionCount = buf[0] & 0x0F
	p.Header.Code = Code(buf[1])
	p.Header.Tid = binary.BigEndian.Uint16(buf[2:4])

	pos := HeaderLen
	num := 0
	for i := 0; i < int(p.Header.OptionCount); i++ {
		if pos >= length {
			return ErrPacketTruncated
		}
		h := buf[pos]
		pos++
		num += int(h >> 4)
		l := int(h & 0x0F)
		if l == 0x0F {
			if pos >= length {
				return ErrPacketTruncated
			}
			l = int(buf[pos]) + 15
			pos++
		}
		if pos+l > length {
			return ErrPacketTruncated
		}
		val := buf[pos : pos+l : pos+l]
		pos += l

		if num > 0xFF {
			continue
		}
		opt := OptionNumber(num)
		p.options.Set(opt)

		switch opt {
		case OptionContentType:
			if l > 0 {
				p.contentType = ContentType(val[0])
			}
		case OptionMaxAge:
			p.maxAge = Uint(val)
		case OptionETag:
			p.etagLen = uint8(copy(p.etag[:], val))
		case OptionURIHost:
			p.uriHost = val
		case OptionLocationPath:
			p.locationPath = val
		case OptionURIPath:
			p.uriPath = val
			p.url = string(val)
		case OptionObserve:
			p.observe = Uint(val)
		case OptionToken:
			p.token = uint16(Uint(val))
		case OptionBlock:
			v := Uint(val)
			p.blockMore = v&0x08 != 0
			p.blockSize = 16 << (v & 0x07)
			p.blockNum = v >> 4
		case OptionURIQuery:
			p.uriQuery = val
		}
	}

	p.payload = buf[pos:length]
	return nil
}

// TidGenerator 事务ID生成器，跳过0
type TidGenerator struct {
	mu   sync.Mutex
	last uint16
}

// NewTidGenerator 以seed作为起点，通常传入随机数
func NewTidGenerator(seed uint16) *TidGenerator {
	return &TidGenerator{last: seed}
}

func (g *TidGenerator) Next() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.last++
	if g.last == 0 {
		g.last++
	}
	return g.last
}
