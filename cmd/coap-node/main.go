package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
	"github.com/junbin-yang/rest-coap-go/pkg/metrics"
	"github.com/junbin-yang/rest-coap-go/pkg/node"
	"github.com/junbin-yang/rest-coap-go/pkg/rest"
	"github.com/junbin-yang/rest-coap-go/pkg/server"
	"github.com/junbin-yang/rest-coap-go/pkg/utils/config"
	log "github.com/junbin-yang/rest-coap-go/pkg/utils/logger"
)

var (
	configFile = flag.String("c", "", "配置文件路径，默认查找可执行文件目录和/etc")
	simulate   = flag.Bool("simulate", true, "模拟传感器读数随机变化")
)

func main() {
	flag.Usage = config.Usage
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debugf("[MAIN] 未找到.env文件，只使用环境变量")
	}

	conf, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("[MAIN] 加载配置失败: %v", err)
	}
	config.SetupLogger(conf)
	defer log.Sync()

	var m *metrics.Metrics
	if conf.Metrics.Enabled {
		m = metrics.New("")
	}

	tids := coap.NewTidGenerator(uint16(time.Now().UnixNano()))
	engine := rest.NewEngine(
		rest.WithMetrics(m),
		rest.WithTidGenerator(tids),
		rest.WithMaxObservers(conf.Server.MaxObservers),
	)

	sensor := node.NewSimulatedSensor(uint64(time.Now().UnixNano()))
	n := node.New(engine, sensor, node.Options{
		Version:           config.VERSION,
		Endpoint:          conf.Node.Endpoint,
		Identifier:        conf.Node.Name,
		TemperaturePeriod: conf.Resources.TemperaturePeriod,
		HeartbeatPeriod:   conf.Resources.HeartbeatPeriod,
		Threshold:         conf.ThresholdCenti(),
	})

	srv := server.New(engine, server.Options{
		Address:      conf.Server.Address,
		Port:         conf.Server.Port,
		TTL:          conf.Server.TTL,
		QueueSize:    conf.Server.QueueSize,
		TickInterval: conf.Server.TickInterval,
		Metrics:      m,
		Tids:         tids,
	})
	if err := srv.Listen(); err != nil {
		log.Fatalf("[MAIN] 启动服务失败: %v", err)
	}
	log.Infof("[MAIN] 节点 %s (%s) 已启动，endpoint=%s", conf.Node.Name, conf.Node.Type, conf.Node.Endpoint)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	// 按采样间隔在事件循环中轮询传感器
	g.Go(func() error {
		if conf.Resources.PollInterval <= 0 {
			return nil
		}
		ticker := engine.Clock().NewTicker(conf.Resources.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
				if *simulate {
					sensor.Step()
				}
				if err := srv.Post(ctx, n.Poll); err != nil {
					return nil
				}
			}
		}
	})

	if rd := conf.ResourceDirectory; rd.Address != "" {
		registrar := node.NewRegistrar(node.RegistrarOptions{
			Address:        rd.Address,
			Endpoint:       conf.Node.Endpoint,
			Type:           conf.Node.Type,
			InitialDelay:   rd.InitialDelay,
			PostRetry:      rd.PostRetry,
			PutInterval:    rd.PutInterval,
			RequestTimeout: rd.RequestTimeout,
			Clock:          engine.Clock(),
		})
		g.Go(func() error {
			return registrar.Run(ctx)
		})
	}

	if m != nil {
		httpServer := &http.Server{Addr: conf.Metrics.Address, Handler: m.Handler()}
		g.Go(func() error {
			log.Infof("[MAIN] 指标服务监听 %s", conf.Metrics.Address)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Errorf("[MAIN] 节点异常退出: %v", err)
		os.Exit(1)
	}
	log.Infof("[MAIN] 节点已停止")
}
