package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
	"github.com/junbin-yang/rest-coap-go/pkg/server"
	log "github.com/junbin-yang/rest-coap-go/pkg/utils/logger"
)

var (
	address = flag.String("a", "127.0.0.1:"+strconv.Itoa(coap.DefaultPort), "节点地址 host:port")
	method  = flag.String("m", "GET", "请求方法 GET|POST|PUT|DELETE")
	payload = flag.String("d", "", "请求负载")
	observe = flag.Bool("o", false, "订阅资源，直到Ctrl+C")
	nonConf = flag.Bool("n", false, "发送NON请求")
	timeout = flag.Duration("t", 5*time.Second, "等待响应的超时时间")
	verbose = flag.Bool("v", false, "输出调试日志")
)

func parseMethod(s string) (coap.Code, error) {
	switch strings.ToUpper(s) {
	case "GET":
		return coap.MethodGet, nil
	case "POST":
		return coap.MethodPost, nil
	case "PUT":
		return coap.MethodPut, nil
	case "DELETE":
		return coap.MethodDelete, nil
	}
	return 0, fmt.Errorf("unknown method %q", s)
}

func printResponse(resp *coap.Packet) {
	header := fmt.Sprintf("%s %s tid=%d", resp.Type(), resp.Code(), resp.Tid())
	if obs, ok := resp.Observe(); ok {
		header += fmt.Sprintf(" observe=%d", obs)
	}
	if num, more, size, ok := resp.Block(); ok {
		header += fmt.Sprintf(" block=%d/%t/%d", num, more, size)
	}
	fmt.Println(header)
	if len(resp.Payload()) > 0 {
		fmt.Println(string(resp.Payload()))
	}
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "用法: %s [参数] <path[?query]>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	code, err := parseMethod(*method)
	if err != nil {
		log.Fatalf("[CLIENT] %v", err)
	}

	c, err := server.Dial(*address)
	if err != nil {
		log.Fatalf("[CLIENT] 连接失败: %v", err)
	}
	defer c.Close()

	req, err := c.NewRequest(code, flag.Arg(0))
	if err != nil {
		log.Fatalf("[CLIENT] 构造请求失败: %v", err)
	}
	if *nonConf {
		req.SetType(coap.TypeNON)
	}
	if *payload != "" {
		if n := req.SetPayload([]byte(*payload)); n < len(*payload) {
			log.Warnf("[CLIENT] 负载被截断为%d字节", n)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *observe {
		err := c.Observe(ctx, req, printResponse)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("[CLIENT] 订阅失败: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	resp, err := c.Do(ctx, req)
	if err != nil {
		log.Fatalf("[CLIENT] 请求失败: %v", err)
	}
	printResponse(resp)
}
