/*
Package clog provides Context with logging information.
*/
package clog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// unique type to prevent assignment.
type clogContextKeyT struct{}

var clogContextKey = clogContextKeyT{}

const (
	// standard keys
	jobID     = "jobID"
	requestID = "requestID" // id the engine assigns when a request graph is queued
	moduleID  = "moduleID"  // extension module being restored
	attempt   = "attempt"
)

// Verbose is a boolean type that implements Infof (like Printf) etc.
// See the documentation of V for more information.
type Verbose bool

var stdKeys map[string]bool
var stdKeysOrder = []string{jobID, requestID, moduleID, attempt}

func init() {
	stdKeys = make(map[string]bool)
	for _, key := range stdKeysOrder {
		stdKeys[key] = true
	}
}

func V(level glog.Level) Verbose {
	return Verbose(bool(glog.V(level)))
}

type values struct {
	mu   sync.RWMutex
	vals map[string]string
}

func newValues() *values {
	return &values{
		vals: make(map[string]string),
	}
}

// Clone creates new context with parentCtx as parent and
// logging details from logCtx
func Clone(parentCtx, logCtx context.Context) context.Context {
	cmap, _ := logCtx.Value(clogContextKey).(*values)
	newCmap := newValues()
	if cmap != nil {
		cmap.mu.RLock()
		for k, v := range cmap.vals {
			newCmap.vals[k] = v
		}
		cmap.mu.RUnlock()
	}
	return context.WithValue(parentCtx, clogContextKey, newCmap)
}

func AddJobID(ctx context.Context, val string) context.Context {
	return AddVal(ctx, jobID, val)
}

func AddRequestID(ctx context.Context, val string) context.Context {
	return AddVal(ctx, requestID, val)
}

func AddModuleID(ctx context.Context, val string) context.Context {
	return AddVal(ctx, moduleID, val)
}

func AddAttempt(ctx context.Context, val uint64) context.Context {
	return AddVal(ctx, attempt, strconv.FormatUint(val, 10))
}

func AddVal(ctx context.Context, key, val string) context.Context {
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		cmap = newValues()
		ctx = context.WithValue(ctx, clogContextKey, cmap)
	}
	cmap.mu.Lock()
	cmap.vals[key] = val
	cmap.mu.Unlock()
	return ctx
}

// GetVal returns the logging value stored in the context under key, or "".
func GetVal(ctx context.Context, key string) string {
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		return ""
	}
	cmap.mu.RLock()
	defer cmap.mu.RUnlock()
	return cmap.vals[key]
}

func Warningf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, format, args...)
	glog.WarningDepth(1, msg)
}

func Errorf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, format, args...)
	glog.ErrorDepth(1, msg)
}

func Fatalf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, format, args...)
	glog.FatalDepth(1, msg)
}

func Infof(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, format, args...)
	glog.InfoDepth(1, msg)
}

// InfofErr treats the last argument as an error and appends err=%q to the
// message when it is not nil. The error is logged at error level instead.
func InfofErr(ctx context.Context, format string, args ...interface{}) {
	msg, isErr := formatMessage(ctx, true, format, args...)
	if isErr {
		glog.ErrorDepth(1, msg)
		return
	}
	glog.InfoDepth(1, msg)
}

// Infof is equivalent to the global Infof function, guarded by the value of v.
// See the documentation of V for usage.
func (v Verbose) Infof(ctx context.Context, format string, args ...interface{}) {
	if v {
		msg, _ := formatMessage(ctx, false, format, args...)
		glog.InfoDepth(1, msg)
	}
}

// InfofErr is equivalent to the global InfofErr function. Errors are logged
// regardless of the verbosity level.
func (v Verbose) InfofErr(ctx context.Context, format string, args ...interface{}) {
	msg, isErr := formatMessage(ctx, true, format, args...)
	if isErr {
		glog.ErrorDepth(1, msg)
		return
	}
	if v {
		glog.InfoDepth(1, msg)
	}
}

func messageFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		return ""
	}
	cmap.mu.RLock()
	var sb strings.Builder
	for _, key := range stdKeysOrder {
		if val, ok := cmap.vals[key]; ok {
			sb.WriteString(key)
			sb.WriteString("=")
			sb.WriteString(val)
			sb.WriteString(" ")
		}
	}
	for key, val := range cmap.vals {
		if _, ok := stdKeys[key]; !ok {
			sb.WriteString(key)
			sb.WriteString("=")
			sb.WriteString(val)
			sb.WriteString(" ")
		}
	}
	cmap.mu.RUnlock()
	return sb.String()
}

func formatMessage(ctx context.Context, lastErr bool, format string, args ...interface{}) (string, bool) {
	var err error
	isErr := false
	if lastErr && len(args) > 0 {
		if e, ok := args[len(args)-1].(error); ok || args[len(args)-1] == nil {
			err = e
			args = args[:len(args)-1]
			isErr = err != nil
		}
	}
	msg := messageFromContext(ctx) + fmt.Sprintf(format, args...)
	if isErr {
		msg += fmt.Sprintf(" err=%q", err)
	}
	return msg, isErr
}
