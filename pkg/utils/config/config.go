package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	log "github.com/junbin-yang/rest-coap-go/pkg/utils/logger"
)

var (
	APPNAME    string = "coap-node"
	VERSION    string = "undefined"
	BUILD_TIME string = "undefined"
	GO_VERSION string = "undefined"
)

// EnvPrefix 环境变量前缀，例如 COAPNODE_SERVER_PORT
const EnvPrefix = "COAPNODE_"

var (
	ErrConfigNotFound   = errors.New("config file not found")
	ErrInvalidThreshold = errors.New("threshold must look like d.dd")
	ErrInvalidPort      = errors.New("port out of range")
)

type NodeConfig struct {
	Name     string `yaml:"name" env:"NAME"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"` // 为空时生成uuid
	Type     string `yaml:"type" env:"TYPE"`
}

type ServerConfig struct {
	Address      string        `yaml:"address" env:"ADDRESS"`
	Port         int           `yaml:"port" env:"PORT"`
	TTL          int           `yaml:"ttl" env:"TTL"`
	QueueSize    int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	MaxObservers int           `yaml:"max_observers" env:"MAX_OBSERVERS"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Address string `yaml:"address" env:"ADDRESS"`
}

type LoggerConfig struct {
	Dir      string `yaml:"dir" env:"DIR"`
	Level    string `yaml:"level" env:"LEVEL"`
	Rotate   bool   `yaml:"rotate" env:"ROTATE"`
	RotateBy string `yaml:"rotate_by" env:"ROTATE_BY"` // time 或 size
}

type ResourcesConfig struct {
	TemperaturePeriod time.Duration `yaml:"temperature_period" env:"TEMPERATURE_PERIOD"`
	HeartbeatPeriod   time.Duration `yaml:"heartbeat_period" env:"HEARTBEAT_PERIOD"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	Threshold         string        `yaml:"threshold" env:"THRESHOLD"` // 摄氏度，d.dd
}

// ResourceDirectoryConfig 资源目录注册，Address为空时不注册
type ResourceDirectoryConfig struct {
	Address        string        `yaml:"address" env:"ADDRESS"` // host:port
	InitialDelay   time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	PostRetry      time.Duration `yaml:"post_retry" env:"POST_RETRY"`
	PutInterval    time.Duration `yaml:"put_interval" env:"PUT_INTERVAL"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

type Config struct {
	Node              NodeConfig              `yaml:"node" envPrefix:"NODE_"`
	Server            ServerConfig            `yaml:"server" envPrefix:"SERVER_"`
	Metrics           MetricsConfig           `yaml:"metrics" envPrefix:"METRICS_"`
	Logger            LoggerConfig            `yaml:"logger" envPrefix:"LOGGER_"`
	Resources         ResourcesConfig         `yaml:"resources" envPrefix:"RESOURCES_"`
	ResourceDirectory ResourceDirectoryConfig `yaml:"resource_directory" envPrefix:"RD_"`
}

// Default 返回默认配置，周期与阈值取自Tmote示例节点
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name: APPNAME,
			Type: "Tmote-Sky",
		},
		Server: ServerConfig{
			Port:         61616,
			TTL:          64,
			QueueSize:    32,
			TickInterval: time.Second,
			MaxObservers: 8,
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Logger: LoggerConfig{
			Level:    "info",
			RotateBy: "time",
		},
		Resources: ResourcesConfig{
			TemperaturePeriod: 240 * time.Second,
			HeartbeatPeriod:   60 * time.Second,
			PollInterval:      5 * time.Second,
			Threshold:         "0.20",
		},
		ResourceDirectory: ResourceDirectoryConfig{
			InitialDelay:   60 * time.Second,
			PostRetry:      300 * time.Second,
			PutInterval:    3600 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
	}
}

// Usage 打印版本信息和命令行参数，供 flag.Usage 使用
func Usage() {
	fmt.Fprintln(flag.CommandLine.Output(), APPNAME+", version: "+VERSION+" (built at "+BUILD_TIME+") "+GO_VERSION)
	flag.PrintDefaults()
}

// DefaultPath 可执行文件同目录下的 <APPNAME>.yml，不存在时为 /etc/<APPNAME>.yml
func DefaultPath() string {
	if ex, err := os.Executable(); err == nil {
		cfile := filepath.Join(filepath.Dir(ex), APPNAME+".yml")
		if _, err := os.Stat(cfile); err == nil {
			return cfile
		}
	}
	return "/etc/" + APPNAME + ".yml"
}

// Load 依次应用默认值、配置文件和环境变量
// path为空时查找默认位置，默认位置不存在配置文件时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	conf := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, conf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := env.ParseWithOptions(conf, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if conf.Node.Endpoint == "" {
		conf.Node.Endpoint = uuid.New().String()
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}
	if _, ok := ParseCenti(c.Resources.Threshold); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidThreshold, c.Resources.Threshold)
	}
	return nil
}

// ThresholdCenti 阈值，单位0.01摄氏度
func (c *Config) ThresholdCenti() int16 {
	v, _ := ParseCenti(c.Resources.Threshold)
	return v
}

// ParseCenti 解析 "d.d" 或 "d.dd" 形式的非负小数，返回放大100倍的整数
func ParseCenti(s string) (int16, bool) {
	whole, frac, ok := strings.Cut(s, ".")
	if !ok || len(whole) == 0 || len(whole) > 2 || len(frac) == 0 || len(frac) > 2 {
		return 0, false
	}
	var v int16
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int16(c-'0')
	}
	if len(frac) == 1 {
		v *= 10
	}
	return v, true
}

// SetupLogger 按配置替换默认logger并设置日志级别
func SetupLogger(conf *Config) {
	defer log.Sync()
	if conf.Logger.Rotate {
		if len(conf.Logger.Dir) == 0 {
			if ex, err := os.Executable(); err == nil {
				conf.Logger.Dir = filepath.Dir(ex)
			}
		}
		file := filepath.Join(conf.Logger.Dir, APPNAME+".log")
		var out io.Writer
		if conf.Logger.RotateBy == "size" {
			out = log.NewProductionRotateBySize(file)
		} else {
			out = log.NewProductionRotateByTime(file)
		}
		log.ReplaceDefault(log.New(out, log.InfoLevel))
	}
	log.SetLevel(log.ParseLevel(conf.Logger.Level))
}
