package coap

import "fmt"

// 线上格式遵循 draft-ietf-core-coap-03（观察选项取自 observe-00，分块选项取自 block-00）
const (
	Version   = 1
	HeaderLen = 4 // 固定头部长度

	ETagLen        = 4   // ETag最大长度
	MaxOptionLen   = 270 // 单个选项最大长度：15 + 255
	MaxOptionCount = 15  // oc字段只有4位

	MaxHeaderSize  = 70  // 头部加选项的预留空间
	MaxPayloadSize = 128 // 单包负载上限
	MaxPacketSize  = MaxHeaderSize + MaxPayloadSize

	MinBlockSize = 16
	MaxBlockSize = 2048
	MaxBlockNum  = 0x0FFFFF // 块号占20位

	DefaultPort = 61616 // draft-03 时代的默认端口
)

// OverflowDiagnostic 负载放不下时替换成的诊断信息
const OverflowDiagnostic = "Payload exceeds max packet size"

// 消息类型
type Type uint8

const (
	TypeCON Type = 0 // confirmable
	TypeNON Type = 1 // non-confirmable
	TypeACK Type = 2 // acknowledgement
	TypeRST Type = 3 // reset
)

func (t Type) String() string {
	switch t {
	case TypeCON:
		return "CON"
	case TypeNON:
		return "NON"
	case TypeACK:
		return "ACK"
	case TypeRST:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Code 请求方法或响应状态码，共用头部第二个字节
type Code uint8

// 请求方法
const (
	Empty        Code = 0
	MethodGet    Code = 1
	MethodPost   Code = 2
	MethodPut    Code = 3
	MethodDelete Code = 4
)

// 响应状态码（draft-03 仍沿用HTTP状态码的映射编号）
const (
	Continue100             Code = 40
	OK200                   Code = 80
	Created201              Code = 81
	Changed204              Code = 84
	NotModified304          Code = 124
	BadRequest400           Code = 160
	NotFound404             Code = 164
	MethodNotAllowed405     Code = 165
	UnsupportedMediaType415 Code = 175
	InternalServerError500  Code = 200
	BadGateway502           Code = 202
	GatewayTimeout504       Code = 204
)

// IsMethod 判断该码是否为请求方法
func (c Code) IsMethod() bool {
	return c >= MethodGet && c <= MethodDelete
}

func (c Code) String() string {
	switch c {
	case Empty:
		return "EMPTY"
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	case Continue100:
		return "100 Continue"
	case OK200:
		return "200 OK"
	case Created201:
		return "201 Created"
	case Changed204:
		return "204 Changed"
	case NotModified304:
		return "304 Not Modified"
	case BadRequest400:
		return "400 Bad Request"
	case NotFound404:
		return "404 Not Found"
	case MethodNotAllowed405:
		return "405 Method Not Allowed"
	case UnsupportedMediaType415:
		return "415 Unsupported Media Type"
	case InternalServerError500:
		return "500 Internal Server Error"
	case BadGateway502:
		return "502 Bad Gateway"
	case GatewayTimeout504:
		return "504 Gateway Timeout"
	default:
		return fmt.Sprintf("Code(%d)", uint8(c))
	}
}

// 内容类型
type ContentType uint8

const (
	TextPlain          ContentType = 0
	TextXML            ContentType = 1
	TextCSV            ContentType = 2
	TextHTML           ContentType = 3
	ImageGIF           ContentType = 21
	ImageJPEG          ContentType = 22
	ImagePNG           ContentType = 23
	ImageTIFF          ContentType = 24
	AudioRaw           ContentType = 25
	VideoRaw           ContentType = 26
	AppLinkFormat      ContentType = 40
	AppXML             ContentType = 41
	AppOctetStream     ContentType = 42
	AppRDFXML          ContentType = 43
	AppSOAPXML         ContentType = 44
	AppAtomXML         ContentType = 45
	AppXMPPXML         ContentType = 46
	AppEXI             ContentType = 47
	AppXBXML           ContentType = 48
	AppFastInfoset     ContentType = 49
	AppSOAPFastInfoset ContentType = 50
	AppJSON            ContentType = 51
)

// 选项编号
type OptionNumber uint8

const (
	OptionContentType  OptionNumber = 1
	OptionMaxAge       OptionNumber = 2
	OptionETag         OptionNumber = 4
	OptionURIHost      OptionNumber = 5
	OptionLocationPath OptionNumber = 6
	OptionURIPath      OptionNumber = 9
	OptionObserve      OptionNumber = 10
	OptionToken        OptionNumber = 11
	OptionBlock        OptionNumber = 13
	OptionNoop         OptionNumber = 14 // fencepost，仅识别不处理
	OptionURIQuery     OptionNumber = 15
)

func (o OptionNumber) String() string {
	switch o {
	case OptionContentType:
		return "Content-Type"
	case OptionMaxAge:
		return "Max-Age"
	case OptionETag:
		return "ETag"
	case OptionURIHost:
		return "Uri-Host"
	case OptionLocationPath:
		return "Location-Path"
	case OptionURIPath:
		return "Uri-Path"
	case OptionObserve:
		return "Observe"
	case OptionToken:
		return "Token"
	case OptionBlock:
		return "Block"
	case OptionNoop:
		return "Noop"
	case OptionURIQuery:
		return "Uri-Query"
	default:
		return fmt.Sprintf("Option(%d)", uint8(o))
	}
}

// OptionSet 以选项编号为位序号的存在位图，每种选项在一个包内最多出现一次
type OptionSet uint32

func (s OptionSet) Has(o OptionNumber) bool {
	return o < 32 && s&(1<<o) != 0
}

// Set 编号超过31的选项无法记录，直接忽略
func (s *OptionSet) Set(o OptionNumber) {
	if o < 32 {
		*s |= 1 << o
	}
}

func (s *OptionSet) Clear(o OptionNumber) {
	if o < 32 {
		*s &^= 1 << o
	}
}

// CoAP头部结构
type Header struct {
	Version     uint8 // 2位版本号
	Type        Type  // 2位消息类型
	OptionCount uint8 // 4位选项数量
	Code        Code  // 8位代码
	Tid         uint16
}
