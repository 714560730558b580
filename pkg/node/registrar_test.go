package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
	"github.com/junbin-yang/rest-coap-go/pkg/rest"
	"github.com/junbin-yang/rest-coap-go/pkg/server"
)

// fakeDirectory 在本地回环上模拟资源目录
type fakeDirectory struct {
	mu      sync.Mutex
	posts   int
	puts    int
	queries []string
	putCode coap.Code
}

func (d *fakeDirectory) counts() (posts, puts int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.posts, d.puts
}

func (d *fakeDirectory) rejectUpdates() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.putCode = coap.NotFound404
}

func startDirectory(t *testing.T) (*fakeDirectory, string) {
	t.Helper()
	d := &fakeDirectory{putCode: coap.Changed204}
	e := rest.NewEngine()
	e.Register(rest.NewResource(ResourceDirectoryURL, rest.MethodPost, "", func(req, resp *coap.Packet, buffer []byte, offset *int32) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.posts++
		q, _ := req.URIQuery()
		d.queries = append(d.queries, string(q))
		resp.SetStatus(coap.Created201)
		_ = resp.SetLocationPath("rd/4521")
	}))
	e.Register(rest.NewResource("rd/4521", rest.MethodPut, "", func(req, resp *coap.Packet, buffer []byte, offset *int32) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.puts++
		resp.SetStatus(d.putCode)
	}))

	srv := server.New(e, server.Options{Address: "127.0.0.1", Port: 0})
	if err := srv.Listen(); err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	addr := srv.LocalAddr().String()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, addr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待%s超时", what)
}

func TestRegistrar(t *testing.T) {
	dir, addr := startDirectory(t)
	clock := clockwork.NewFakeClock()
	r := NewRegistrar(RegistrarOptions{
		Address:        addr,
		Endpoint:       "ep-1",
		Type:           "Tmote-Sky",
		InitialDelay:   time.Minute,
		PostRetry:      5 * time.Minute,
		PutInterval:    time.Hour,
		RequestTimeout: time.Second,
		Clock:          clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run返回错误: %v", err)
		}
	}()

	advance := func(d time.Duration) {
		t.Helper()
		bctx, bcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer bcancel()
		if err := clock.BlockUntilContext(bctx, 1); err != nil {
			t.Fatalf("注册协程未进入等待: %v", err)
		}
		clock.Advance(d)
	}

	if _, ok := r.Location(); ok {
		t.Fatal("启动时不应已注册")
	}
	advance(time.Minute)
	waitFor(t, "注册", func() bool { _, ok := r.Location(); return ok })
	if loc, _ := r.Location(); loc != "rd/4521" {
		t.Errorf("location = %q", loc)
	}
	dir.mu.Lock()
	query := dir.queries[0]
	dir.mu.Unlock()
	if query != `ep="ep-1"&rt="Tmote-Sky"` {
		t.Errorf("注册请求的query = %s", query)
	}

	// 注册成功后按PutInterval刷新
	advance(time.Hour)
	waitFor(t, "刷新", func() bool { _, puts := dir.counts(); return puts == 1 })
	if _, ok := r.Location(); !ok {
		t.Errorf("刷新成功后应保持注册状态")
	}

	// 刷新被拒绝后回到未注册，PostRetry之后重新POST
	dir.rejectUpdates()
	advance(time.Hour)
	waitFor(t, "注销", func() bool { _, ok := r.Location(); return !ok })
	advance(5 * time.Minute)
	waitFor(t, "重新注册", func() bool { posts, _ := dir.counts(); return posts == 2 })
	waitFor(t, "重新获得location", func() bool { _, ok := r.Location(); return ok })
}

func TestRegistrarRetriesUnansweredPost(t *testing.T) {
	// 没有服务端在监听的端口，请求超时
	clock := clockwork.NewFakeClock()
	r := NewRegistrar(RegistrarOptions{
		Address:        "127.0.0.1:9",
		Endpoint:       "ep-1",
		Type:           "Tmote-Sky",
		InitialDelay:   time.Minute,
		PostRetry:      5 * time.Minute,
		RequestTimeout: 50 * time.Millisecond,
		Clock:          clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	bctx, bcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer bcancel()
	if err := clock.BlockUntilContext(bctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)

	// 失败后重新等待PostRetry
	if err := clock.BlockUntilContext(bctx, 1); err != nil {
		t.Fatalf("注册失败后应重新等待: %v", err)
	}
	if _, ok := r.Location(); ok {
		t.Errorf("没有响应时不应注册成功")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run返回错误: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run未能按时退出")
	}
}

func TestRegistrarQuery(t *testing.T) {
	r := NewRegistrar(RegistrarOptions{Endpoint: "0-12-74-1-0-1-2-3", Type: "Tmote-Sky"})
	if got := r.Query(); got != `ep="0-12-74-1-0-1-2-3"&rt="Tmote-Sky"` {
		t.Errorf("Query() = %s", got)
	}
}
