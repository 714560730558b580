package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
	"github.com/junbin-yang/rest-coap-go/pkg/server"
	log "github.com/junbin-yang/rest-coap-go/pkg/utils/logger"
)

// ResourceDirectoryURL 资源目录的注册入口
const ResourceDirectoryURL = "rd"

const (
	DefaultRegisterDelay  = 60 * time.Second
	DefaultPostRetry      = 300 * time.Second
	DefaultPutInterval    = 3600 * time.Second
	DefaultRequestTimeout = 5 * time.Second
)

var ErrNoLocation = errors.New("registration response has no Location-Path")

type RegistrarOptions struct {
	Address        string // 资源目录地址 host:port
	Endpoint       string
	Type           string
	InitialDelay   time.Duration // 启动后第一次POST之前的等待
	PostRetry      time.Duration // 注册失败或更新被拒绝后重新POST的间隔
	PutInterval    time.Duration // 注册成功后PUT刷新的间隔
	RequestTimeout time.Duration
	Clock          clockwork.Clock
}

// Registrar 把节点登记到资源目录并定期刷新
//
// POST /rd?ep="<endpoint>"&rt="<type>"，2.01或2.04响应中的Location-Path作为之后PUT的目标；
// PUT没有得到2.04时回到未注册状态，等待PostRetry后重新POST。
type Registrar struct {
	opts RegistrarOptions

	mu       sync.Mutex
	location string
}

func NewRegistrar(opts RegistrarOptions) *Registrar {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultRegisterDelay
	}
	if opts.PostRetry <= 0 {
		opts.PostRetry = DefaultPostRetry
	}
	if opts.PutInterval <= 0 {
		opts.PutInterval = DefaultPutInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Registrar{opts: opts}
}

// Location 资源目录分配的位置，未注册时ok为false
func (r *Registrar) Location() (location string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.location, r.location != ""
}

func (r *Registrar) setLocation(location string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.location = location
}

// Query 注册请求的Uri-Query
func (r *Registrar) Query() string {
	return fmt.Sprintf("ep=%q&rt=%q", r.opts.Endpoint, r.opts.Type)
}

// Run 运行直到ctx结束
func (r *Registrar) Run(ctx context.Context) error {
	client, err := server.Dial(r.opts.Address)
	if err != nil {
		return fmt.Errorf("dial resource directory: %w", err)
	}
	defer client.Close()
	log.Infof("[RD] 资源目录 %s，%v后注册", client.RemoteAddr(), r.opts.InitialDelay)

	timer := r.opts.Clock.NewTimer(r.opts.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.Chan():
		}

		var wait time.Duration
		if _, registered := r.Location(); !registered {
			wait = r.opts.PutInterval
			if err := r.register(ctx, client); err != nil {
				log.Warnf("[RD] 注册失败: %v", err)
				wait = r.opts.PostRetry
			}
		} else {
			wait = r.opts.PutInterval
			if err := r.update(ctx, client); err != nil {
				log.Warnf("[RD] 更新失败，重新注册: %v", err)
				r.setLocation("")
				wait = r.opts.PostRetry
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		timer.Reset(wait)
	}
}

func (r *Registrar) do(ctx context.Context, client *server.Client, req *coap.Packet) (*coap.Packet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	defer cancel()
	return client.Do(ctx, req)
}

func (r *Registrar) register(ctx context.Context, client *server.Client) error {
	req, err := client.NewRequest(coap.MethodPost, ResourceDirectoryURL+"?"+r.Query())
	if err != nil {
		return err
	}
	resp, err := r.do(ctx, client, req)
	if err != nil {
		return err
	}
	if resp.Code() != coap.Created201 && resp.Code() != coap.Changed204 {
		return fmt.Errorf("unexpected status %s", resp.Code())
	}
	loc, ok := resp.LocationPath()
	if !ok || len(loc) == 0 {
		return ErrNoLocation
	}
	r.setLocation(string(loc))
	log.Infof("[RD] 已注册 location=%s", loc)
	return nil
}

func (r *Registrar) update(ctx context.Context, client *server.Client) error {
	location, _ := r.Location()
	req, err := client.NewRequest(coap.MethodPut, location)
	if err != nil {
		return err
	}
	resp, err := r.do(ctx, client, req)
	if err != nil {
		return err
	}
	if resp.Code() != coap.Changed204 {
		return fmt.Errorf("unexpected status %s", resp.Code())
	}
	log.Debugf("[RD] 已刷新 location=%s", location)
	return nil
}
