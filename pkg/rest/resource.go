package rest

import (
	"strings"
	"time"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
)

// Method 资源允许的请求方法位图
type Method uint8

const (
	MethodGet Method = 1 << iota
	MethodPost
	MethodPut
	MethodDelete
)

// MethodOf 将CoAP方法码转换为方法位，非方法码返回0
func MethodOf(code coap.Code) Method {
	if !code.IsMethod() {
		return 0
	}
	return 1 << (code - 1)
}

func (m Method) String() string {
	var names []string
	if m&MethodGet != 0 {
		names = append(names, "GET")
	}
	if m&MethodPost != 0 {
		names = append(names, "POST")
	}
	if m&MethodPut != 0 {
		names = append(names, "PUT")
	}
	if m&MethodDelete != 0 {
		names = append(names, "DELETE")
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// Handler 资源处理函数
// 参数：
//   - req：已解析的请求
//   - resp：待填充的响应
//   - buffer：可写入负载的缓冲区，写入长度不得超过len(buffer)
//   - offset：分块传输偏移量，处理完最后一块时置为-1，否则置为下一块的起始偏移
type Handler func(req, resp *coap.Packet, buffer []byte, offset *int32)

// PreHandler 返回false时不执行主处理函数和后置处理函数
type PreHandler func(req, resp *coap.Packet) bool

type PostHandler func(req, resp *coap.Packet)

// PeriodicHandler 周期定时器到期时调用，通常用于向观察者推送通知
type PeriodicHandler func(r *Resource)

// Resource 可通过URL访问的资源
type Resource struct {
	URL        string
	Methods    Method
	Attributes string // link-format属性，例如 title="Temperature";obs

	Handler     Handler
	PreHandler  PreHandler
	PostHandler PostHandler
	UserData    any
}

func NewResource(url string, methods Method, attributes string, handler Handler) *Resource {
	return &Resource{
		URL:        strings.TrimLeft(url, "/"),
		Methods:    methods,
		Attributes: attributes,
		Handler:    handler,
	}
}

// PeriodicResource 带周期定时器的资源
type PeriodicResource struct {
	*Resource
	Period          time.Duration
	PeriodicHandler PeriodicHandler

	deadline time.Time
}

func NewPeriodicResource(r *Resource, period time.Duration, handler PeriodicHandler) *PeriodicResource {
	return &PeriodicResource{
		Resource:        r,
		Period:          period,
		PeriodicHandler: handler,
	}
}

// Deadline 下一次到期时间，Period为0时无意义
func (pr *PeriodicResource) Deadline() time.Time { return pr.deadline }
