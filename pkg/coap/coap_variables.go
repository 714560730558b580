package coap

import (
	"bytes"
	"net/url"
)

// GetVariable 在形如 "a=1&b=2" 的缓冲区中查找name对应的值
// decode为true时对值做URL解码，解码失败时返回原始值
func GetVariable(name string, buf []byte, decode bool) (string, bool) {
	if name == "" {
		return "", false
	}
	key := []byte(name + "=")
	for len(buf) > 0 {
		pair := buf
		if i := bytes.IndexByte(buf, '&'); i >= 0 {
			pair, buf = buf[:i], buf[i+1:]
		} else {
			buf = nil
		}
		if !bytes.HasPrefix(pair, key) {
			continue
		}
		value := string(pair[len(key):])
		if decode {
			if v, err := url.QueryUnescape(value); err == nil {
				value = v
			}
		}
		return value, true
	}
	return "", false
}

// GetQueryVariable 从Uri-Query中取变量
func (p *Packet) GetQueryVariable(name string) (string, bool) {
	query, ok := p.URIQuery()
	if !ok {
		return "", false
	}
	return GetVariable(name, query, true)
}

// GetPostVariable 从负载中取变量（application/x-www-form-urlencoded风格）
func (p *Packet) GetPostVariable(name string) (string, bool) {
	if len(p.payload) == 0 {
		return "", false
	}
	return GetVariable(name, p.payload, true)
}
