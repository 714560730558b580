package logger

import (
	"io"
	"os"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level = zapcore.Level

const (
	DebugLevel Level = zap.DebugLevel
	InfoLevel  Level = zap.InfoLevel
	WarnLevel  Level = zap.WarnLevel
	ErrorLevel Level = zap.ErrorLevel
	FatalLevel Level = zap.FatalLevel
)

type Field = zap.Field

// 常用字段构造函数，调用方无需直接依赖zap
var (
	String   = zap.String
	Int      = zap.Int
	Uint16   = zap.Uint16
	Uint32   = zap.Uint32
	Bool     = zap.Bool
	Duration = zap.Duration
	Any      = zap.Any
)

// GetError 将错误包装为日志字段
func GetError(err error) Field {
	return zap.Error(err)
}

type Logger struct {
	l     *zap.Logger
	s     *zap.SugaredLogger
	level zap.AtomicLevel
}

type Option = zap.Option

// New 创建日志实例，out为输出目标，level为初始日志级别
func New(out io.Writer, level Level, opts ...Option) *Logger {
	if out == nil {
		out = os.Stderr
	}
	al := zap.NewAtomicLevelAt(level)
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(out), al)
	opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	l := zap.New(core, opts...)
	return &Logger{l: l, s: l.Sugar(), level: al}
}

// NewProductionRotateByTime 按天切割日志文件，保留7天
func NewProductionRotateByTime(file string) io.Writer {
	w, err := rotatelogs.New(
		file+".%Y%m%d",
		rotatelogs.WithLinkName(file),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		// 无法创建切割器时退回到单文件输出
		return NewProductionRotateBySize(file)
	}
	return w
}

// NewProductionRotateBySize 按大小切割日志文件（100MB，保留30个备份）
func NewProductionRotateBySize(file string) io.Writer {
	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    100,
		MaxBackups: 30,
		MaxAge:     30,
		LocalTime:  true,
		Compress:   true,
	}
}

func (l *Logger) SetLevel(level Level) { l.level.SetLevel(level) }
func (l *Logger) Sync() error         { return l.l.Sync() }

func (l *Logger) Debug(msg string, fields ...Field) { l.l.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.l.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.l.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.l.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...Field) { l.l.Fatal(msg, fields...) }

func (l *Logger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
func (l *Logger) Fatalf(format string, args ...any) { l.s.Fatalf(format, args...) }

var (
	std   = New(os.Stderr, InfoLevel)
	stdMu sync.RWMutex
)

func defaultLogger() *Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

// Default 返回当前全局日志实例
func Default() *Logger { return defaultLogger() }

// ReplaceDefault 替换全局日志实例（不是并发安全的初始化路径，应在启动时调用）
func ReplaceDefault(l *Logger) {
	if l == nil {
		return
	}
	stdMu.Lock()
	defer stdMu.Unlock()
	std = l
}

// ParseLevel 将配置文件中的级别字符串转换为Level，未知值返回InfoLevel
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func SetLevel(level Level) { defaultLogger().SetLevel(level) }
func Sync() error          { return defaultLogger().Sync() }

func Debug(msg string, fields ...Field) { defaultLogger().l.Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { defaultLogger().l.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { defaultLogger().l.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { defaultLogger().l.Error(msg, fields...) }
func Fatal(msg string, fields ...Field) { defaultLogger().l.Fatal(msg, fields...) }

func Debugf(format string, args ...any) { defaultLogger().s.Debugf(format, args...) }
func Infof(format string, args ...any)  { defaultLogger().s.Infof(format, args...) }
func Warnf(format string, args ...any)  { defaultLogger().s.Warnf(format, args...) }
func Errorf(format string, args ...any) { defaultLogger().s.Errorf(format, args...) }
func Fatalf(format string, args ...any) { defaultLogger().s.Fatalf(format, args...) }
