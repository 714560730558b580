package rest

import (
	"strings"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
)

const WellKnownCoreURL = ".well-known/core"

// BlockOutOfScope 请求的块超出资源内容或可表示范围时的诊断信息
const BlockOutOfScope = "Block out of scope"

// RegisterWellKnownCore 注册资源发现入口，以link-format列出其余资源
func (e *Engine) RegisterWellKnownCore() *Resource {
	r := NewResource(WellKnownCoreURL, MethodGet, "", e.wellKnownCoreHandler)
	e.Register(r)
	return r
}

// LinkFormat 形如 </a>;rt="x",</b> 的资源列表
func (e *Engine) LinkFormat() string {
	var sb strings.Builder
	for _, r := range e.resources {
		if r.URL == WellKnownCoreURL {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("</")
		sb.WriteString(r.URL)
		sb.WriteByte('>')
		if r.Attributes != "" {
			sb.WriteByte(';')
			sb.WriteString(r.Attributes)
		}
	}
	return sb.String()
}

// 按offset分块输出
func (e *Engine) wellKnownCoreHandler(req, resp *coap.Packet, buffer []byte, offset *int32) {
	links := e.LinkFormat()
	start := int(*offset)
	if start < 0 || start > len(links) {
		resp.SetStatus(coap.BadRequest400)
		resp.SetPayload([]byte(BlockOutOfScope))
		*offset = -1
		return
	}

	end := min(start+len(buffer), len(links))
	n := copy(buffer, links[start:end])
	resp.SetContentType(coap.AppLinkFormat)
	resp.SetPayload(buffer[:n])
	if end >= len(links) {
		*offset = -1
	} else {
		*offset = int32(end)
	}
}
