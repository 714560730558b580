package coap

import "errors"

var (
	// 解析相关错误
	ErrPacketTruncated = errors.New("coap: packet truncated")

	// 选项设置相关错误
	ErrInvalidBlockSize = errors.New("coap: block size must be a power of two in [16, 2048]")
	ErrInvalidBlockNum  = errors.New("coap: block number exceeds 20 bits")
	ErrOptionTooLong    = errors.New("coap: option value too long")
)
