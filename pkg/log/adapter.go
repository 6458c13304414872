package log

import (
	"io"
	stdlog "log"
	"strings"

	"github.com/hamba/pkg/log"
	"github.com/hashicorp/go-hclog"
)

// Level is the log level that will be used.
type Level int

// The log level constants.
const (
	Debug Level = iota
	Info
	Error
)

// Bridge is a log bridge to a standard logger.
type Bridge struct {
	log    log.Logger
	lvl    Level
	prefix string
}

// NewBridge returns a standard logger writing to l.
func NewBridge(l log.Logger, lvl Level, prefix string) *stdlog.Logger {
	return stdlog.New(NewWriter(l, lvl, prefix), "", 0)
}

// NewWriter returns a writer that logs each write to l.
func NewWriter(l log.Logger, lvl Level, prefix string) io.Writer {
	return &Bridge{
		log:    l,
		lvl:    lvl,
		prefix: prefix,
	}
}

// Write writes a log line.
func (b *Bridge) Write(p []byte) (n int, err error) {
	line := b.prefix + strings.TrimSpace(string(p))

	switch b.lvl {
	case Debug:
		b.log.Debug(line)

	case Error:
		b.log.Error(line)

	default:
		b.log.Info(line)
	}

	return len(p), nil
}

// HCLBridge is a log bridge to a hcl logger.
type HCLBridge struct {
	log    log.Logger
	prefix string
	args   []interface{}
}

// NewHCLBridge returns a hcl logger writing to l.
func NewHCLBridge(l log.Logger, prefix string) hclog.Logger {
	return &HCLBridge{
		log:    l,
		prefix: prefix,
	}
}

func (h *HCLBridge) ctx(args []interface{}) []interface{} {
	if len(h.args) == 0 {
		return args
	}
	return append(append([]interface{}{}, h.args...), args...)
}

// Trace logs a trace message as debug.
func (h *HCLBridge) Trace(msg string, args ...interface{}) {
	h.log.Debug(h.prefix+msg, h.ctx(args)...)
}

// Debug logs a debug message.
func (h *HCLBridge) Debug(msg string, args ...interface{}) {
	h.log.Debug(h.prefix+msg, h.ctx(args)...)
}

// Info logs an info message.
func (h *HCLBridge) Info(msg string, args ...interface{}) {
	h.log.Info(h.prefix+msg, h.ctx(args)...)
}

// Warn logs a warning message as info.
func (h *HCLBridge) Warn(msg string, args ...interface{}) {
	h.log.Info(h.prefix+msg, h.ctx(args)...)
}

// Error logs an error message.
func (h *HCLBridge) Error(msg string, args ...interface{}) {
	h.log.Error(h.prefix+msg, h.ctx(args)...)
}

// IsTrace returns true.
func (h *HCLBridge) IsTrace() bool {
	return true
}

// IsDebug returns true.
func (h *HCLBridge) IsDebug() bool {
	return true
}

// IsInfo returns true.
func (h *HCLBridge) IsInfo() bool {
	return true
}

// IsWarn returns true.
func (h *HCLBridge) IsWarn() bool {
	return true
}

// IsError returns true.
func (h *HCLBridge) IsError() bool {
	return true
}

// With returns a logger that always logs the given args.
func (h *HCLBridge) With(args ...interface{}) hclog.Logger {
	return &HCLBridge{
		log:    h.log,
		prefix: h.prefix,
		args:   h.ctx(args),
	}
}

// Named returns a logger with the name added to the prefix.
func (h *HCLBridge) Named(name string) hclog.Logger {
	return &HCLBridge{
		log:    h.log,
		prefix: h.prefix + name + ": ",
		args:   h.args,
	}
}

// ResetNamed returns a logger with the given name as prefix.
func (h *HCLBridge) ResetNamed(name string) hclog.Logger {
	return &HCLBridge{
		log:    h.log,
		prefix: name + ": ",
		args:   h.args,
	}
}

// SetLevel does nothing, the level is controlled by the wrapped logger.
func (h *HCLBridge) SetLevel(level hclog.Level) {}

// StandardLogger returns a standard logger writing to the wrapped logger.
func (h *HCLBridge) StandardLogger(opts *hclog.StandardLoggerOptions) *stdlog.Logger {
	return NewBridge(h.log, Debug, h.prefix)
}

// StandardWriter returns a writer writing to the wrapped logger.
func (h *HCLBridge) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return NewWriter(h.log, Debug, h.prefix)
}
