// Package node 实现一个温度传感节点的资源集合
package node

import (
	"fmt"
	"strconv"
	"time"

	"github.com/junbin-yang/rest-coap-go/pkg/coap"
	"github.com/junbin-yang/rest-coap-go/pkg/rest"
	"github.com/junbin-yang/rest-coap-go/pkg/utils/config"
	log "github.com/junbin-yang/rest-coap-go/pkg/utils/logger"
)

const (
	TemperatureURL = "sensors/temperature"
	ThresholdURL   = "config/threshold"
	HeartbeatURL   = "debug/heartbeat"
	TiltURL        = "sensors/tilt-switch"
	LEDsURL        = "actuators/leds"
	IdentifierURL  = "config/identifier"
	VersionURL     = "debug/version"
)

// MaxIdentifierLen 标识符最大长度，PUT的内容超出部分被截掉
const MaxIdentifierLen = 50

type Options struct {
	Version           string
	Endpoint          string
	Identifier        string
	TemperaturePeriod time.Duration
	HeartbeatPeriod   time.Duration
	Threshold         int16 // 单位0.01摄氏度
}

// Node 持有传感器状态，所有方法只能在服务端事件循环中调用
type Node struct {
	engine *rest.Engine
	sensor Sensor
	opts   Options

	started time.Time

	threshold       int16
	temperature     int16
	temperatureLast int16

	rssi      [3]int16
	rssiCount int
	rssiPos   int
	rssiAvg   int16

	tilt       uint32
	leds       map[string]bool
	identifier string

	temperatureEvents uint32
	heartbeatEvents   uint32
	tiltEvents        uint32

	temperatureRes *rest.Resource
	heartbeatRes   *rest.Resource
	tiltRes        *rest.Resource
}

// New 创建节点并把全部资源注册到engine
func New(engine *rest.Engine, sensor Sensor, opts Options) *Node {
	n := &Node{
		engine:    engine,
		sensor:    sensor,
		opts:      opts,
		started:   engine.Clock().Now(),
		threshold:  opts.Threshold,
		leds:       map[string]bool{"r": false, "g": false, "b": false},
		identifier: truncate(opts.Identifier, MaxIdentifierLen),
	}
	n.temperature = sensor.Temperature()
	n.temperatureLast = n.temperature
	n.tilt = sensor.Tilt()

	n.temperatureRes = rest.NewResource(TemperatureURL, rest.MethodGet,
		`title="Temperature";obs;rt="temperature"`, n.temperatureHandler)
	engine.RegisterPeriodic(rest.NewPeriodicResource(n.temperatureRes, opts.TemperaturePeriod, n.temperaturePeriodicHandler))

	engine.Register(rest.NewResource(ThresholdURL, rest.MethodGet|rest.MethodPut,
		`title="Threshold";rt="threshold"`, n.thresholdHandler))

	n.heartbeatRes = rest.NewResource(HeartbeatURL, rest.MethodGet,
		`title="Heartbeat";obs;rt="heartbeat"`, n.heartbeatHandler)
	engine.RegisterPeriodic(rest.NewPeriodicResource(n.heartbeatRes, opts.HeartbeatPeriod, n.heartbeatPeriodicHandler))

	// 事件资源：周期为0，只在Poll发现变化时通知
	n.tiltRes = rest.NewResource(TiltURL, rest.MethodGet,
		`title="Ball in a Tube Switch";obs;rt="ball-in-a-tube"`, n.tiltHandler)
	engine.RegisterPeriodic(rest.NewPeriodicResource(n.tiltRes, 0, nil))

	engine.Register(rest.NewResource(LEDsURL, rest.MethodPost|rest.MethodPut,
		`title="LEDs: ?color=r|g|b, POST/PUT mode=on|off";rt="Control"`, n.ledsHandler))

	engine.Register(rest.NewResource(IdentifierURL, rest.MethodGet|rest.MethodPut,
		`title="Identifier";rt="id"`, n.identifierHandler))
	engine.Register(rest.NewResource(VersionURL, rest.MethodGet,
		`title="Version Number";rt="string"`, n.versionHandler))

	engine.RegisterWellKnownCore()
	return n
}

// FormatCenti 将0.01摄氏度格式化为 d.dd
func FormatCenti(v int16) string {
	sign := ""
	a := int(v)
	if a < 0 {
		sign, a = "-", -a
	}
	return fmt.Sprintf("%s%d.%02d", sign, a/100, a%100)
}

func textResponse(resp *coap.Packet, buffer []byte, text string) {
	n := copy(buffer, text)
	resp.SetContentType(coap.TextPlain)
	resp.SetPayload(buffer[:n])
}

// Poll 采样传感器，温度离开阈值带或倾斜开关变化时通知观察者
func (n *Node) Poll() {
	n.temperature = n.sensor.Temperature()
	if n.temperature < n.temperatureLast-n.threshold || n.temperature > n.temperatureLast+n.threshold {
		log.Debugf("[NODE] 温度变化 %s -> %s", FormatCenti(n.temperatureLast), FormatCenti(n.temperature))
		n.temperatureLast = n.temperature
		n.temperaturePeriodicHandler(n.temperatureRes)
	}

	if tilt := n.sensor.Tilt(); tilt != n.tilt {
		n.tilt = tilt
		n.tiltEvents++
		n.notify(n.tiltRes, n.tiltEvents, coap.TypeCON, strconv.FormatUint(uint64(tilt), 10))
	}
}

func (n *Node) notify(r *rest.Resource, counter uint32, typ coap.Type, payload string) {
	notification := coap.NewPacket(typ, coap.OK200, 0)
	notification.SetContentType(coap.TextPlain)
	notification.SetPayload([]byte(payload))
	if _, err := n.engine.NotifySubscribers(r, counter, notification); err != nil {
		log.Debugf("[NODE] 通知 %s 失败: %v", r.URL, err)
	}
}

// ---------- sensors/temperature ----------

func (n *Node) temperatureHandler(req, resp *coap.Packet, buffer []byte, offset *int32) {
	textResponse(resp, buffer, FormatCenti(n.temperature))
}

func (n *Node) temperaturePeriodicHandler(r *rest.Resource) {
	n.temperatureEvents++
	n.notify(r, n.temperatureEvents, coap.TypeCON, FormatCenti(n.temperature))
}

// ---------- config/threshold ----------

func (n *Node) thresholdHandler(req, resp *coap.Packet, buffer []byte, offset *int32) {
	if req.Method() == coap.MethodGet {
		textResponse(resp, buffer, FormatCenti(n.threshold))
		return
	}

	value, ok := config.ParseCenti(string(req.Payload()))
	if !ok {
		resp.SetStatus(coap.BadRequest400)
		return
	}
	log.Infof("[NODE] 阈值 %s -> %s", FormatCenti(n.threshold), FormatCenti(value))
	n.threshold = value
	resp.SetStatus(coap.OK200)
}

// Threshold 当前阈值，单位0.01摄氏度
func (n *Node) Threshold() int16 { return n.threshold }

// ---------- debug/heartbeat ----------

func (n *Node) heartbeat() string {
	uptime := int64(n.engine.Clock().Since(n.started) / time.Second)
	return fmt.Sprintf("version:%s,uptime:%d,rssi:%d,ep:%s", n.opts.Version, uptime, n.rssiAvg, n.opts.Endpoint)
}

func (n *Node) heartbeatHandler(req, resp *coap.Packet, buffer []byte, offset *int32) {
	textResponse(resp, buffer, n.heartbeat())
}

// 采样RSSI，取最近3次的平均值
func (n *Node) heartbeatPeriodicHandler(r *rest.Resource) {
	n.heartbeatEvents++

	n.rssi[n.rssiPos] = n.sensor.RSSI()
	if n.rssiCount < len(n.rssi) {
		n.rssiCount++
	}
	n.rssiPos = (n.rssiPos + 1) % len(n.rssi)
	var sum int
	for _, v := range n.rssi[:n.rssiCount] {
		sum += int(v)
	}
	n.rssiAvg = int16(sum / n.rssiCount)

	n.notify(r, n.heartbeatEvents, coap.TypeNON, n.heartbeat())
}

// ---------- sensors/tilt-switch ----------

func (n *Node) tiltHandler(req, resp *coap.Packet, buffer []byte, offset *int32) {
	textResponse(resp, buffer, strconv.FormatUint(uint64(n.tilt), 10))
}

// ---------- actuators/leds ----------

func (n *Node) ledsHandler(req, resp *coap.Packet, buffer []byte, offset *int32) {
	color, ok := req.GetQueryVariable("color")
	if _, known := n.leds[color]; !ok || !known {
		resp.SetStatus(coap.BadRequest400)
		return
	}

	mode, _ := req.GetPostVariable("mode")
	switch mode {
	case "on":
		n.leds[color] = true
	case "off":
		n.leds[color] = false
	default:
		resp.SetStatus(coap.BadRequest400)
		return
	}
	log.Infof("[NODE] LED %s %s", color, mode)
	resp.SetStatus(coap.OK200)
}

// LED 返回某个颜色LED是否点亮
func (n *Node) LED(color string) bool { return n.leds[color] }

// ---------- config/identifier ----------

// 少于4字节的标识符视为无效
func (n *Node) identifierHandler(req, resp *coap.Packet, buffer []byte, offset *int32) {
	resp.SetContentType(coap.TextPlain)
	if req.Method() == coap.MethodGet {
		textResponse(resp, buffer, n.identifier)
		return
	}

	payload := req.Payload()
	if len(payload) <= 3 {
		resp.SetStatus(coap.BadRequest400)
		return
	}
	n.identifier = truncate(string(payload), MaxIdentifierLen)
	log.Infof("[NODE] 标识符更新为 %q", n.identifier)
	resp.SetStatus(coap.Changed204)
}

// Identifier 当前节点标识符
func (n *Node) Identifier() string { return n.identifier }

func truncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

// ---------- debug/version ----------

func (n *Node) versionHandler(req, resp *coap.Packet, buffer []byte, offset *int32) {
	textResponse(resp, buffer, n.opts.Version)
}
