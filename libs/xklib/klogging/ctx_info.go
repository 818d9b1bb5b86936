package klogging

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
)

type ctxKey int

var ctxInfoKey ctxKey

type Importance uint32

const (
	// included in every log event
	HighImportance Importance = 1
	// included in debug level events and below
	MidImportance Importance = 5
	// included in verbose events only
	LowImportance Importance = 6
)

type KVL struct {
	K string
	V string
	L Importance
}

// CtxInfo carries key/values (clusterId, workerId, role...) that every log line
// emitted under the context should include. Chained through Parent.
type CtxInfo struct {
	Name    string // debug only
	Parent  *CtxInfo
	mu      sync.RWMutex
	details map[string]*KVL
	order   []string
}

func NewCtxInfo(parent *CtxInfo) *CtxInfo {
	return &CtxInfo{
		Parent:  parent,
		details: map[string]*KVL{},
	}
}

// GetCurrentCtxInfo returns nil when ctx carries no CtxInfo.
func GetCurrentCtxInfo(ctx context.Context) *CtxInfo {
	if ctx == nil {
		return nil
	}
	info, _ := ctx.Value(ctxInfoKey).(*CtxInfo)
	return info
}

// CreateCtxInfo creates a child of whatever CtxInfo ctx already holds.
func CreateCtxInfo(ctx context.Context) (context.Context, *CtxInfo) {
	info := NewCtxInfo(GetCurrentCtxInfo(ctx))
	return context.WithValue(ctx, ctxInfoKey, info), info
}

func GetOrCreateCtxInfo(ctx context.Context) (context.Context, *CtxInfo) {
	if info := GetCurrentCtxInfo(ctx); info != nil {
		return ctx, info
	}
	return CreateCtxInfo(ctx)
}

// AttachToCtx puts an existing chain onto an unrelated ctx, for goroutines that
// outlive the request context that created them.
func AttachToCtx(ctx context.Context, info *CtxInfo) context.Context {
	if info == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxInfoKey, info)
}

func (info *CtxInfo) With(k string, v string) *CtxInfo {
	return info.WithLevel(k, v, HighImportance)
}

func (info *CtxInfo) WithLevel(k string, v string, level Importance) *CtxInfo {
	info.mu.Lock()
	defer info.mu.Unlock()
	if _, ok := info.details[k]; !ok {
		info.order = append(info.order, k)
	}
	info.details[k] = &KVL{k, v, level}
	return info
}

func (info *CtxInfo) ToString(threshold Level) string {
	var b strings.Builder
	info.VisitForward(func(k string, v string) bool {
		fmt.Fprintf(&b, ", %s=%v", k, v)
		return true
	}, threshold)
	return b.String()
}

func (info *CtxInfo) String() string {
	return info.ToString(InfoLevel)
}

func importance2LoggingLevel(imp Importance) Level {
	switch imp {
	case HighImportance:
		return FatalLevel
	case MidImportance:
		return DebugLevel
	case LowImportance:
		return VerboseLevel
	default:
		panic(kerror.Create("UnknownImportanceLevel", "").With("importance", int(imp)))
	}
}

// VisitForward visits the root of the chain first. A visitor returning false
// stops the walk; VisitForward then returns false too.
func (info *CtxInfo) VisitForward(visitor func(k string, v string) bool, threshold Level) bool {
	if info == nil {
		return true
	}
	if !info.Parent.VisitForward(visitor, threshold) {
		return false
	}
	info.mu.RLock()
	defer info.mu.RUnlock()
	for _, k := range info.order {
		item := info.details[k]
		if item.V == "" || !NeedLog(importance2LoggingLevel(item.L), threshold) {
			continue
		}
		if !visitor(item.K, item.V) {
			return false
		}
	}
	return true
}

// FindByKey searches this node then its parents; empty values count as missing.
func (info *CtxInfo) FindByKey(k string, fallback string) string {
	if info == nil {
		return fallback
	}
	info.mu.RLock()
	item, ok := info.details[k]
	info.mu.RUnlock()
	if ok {
		if item.V == "" {
			return fallback
		}
		return item.V
	}
	return info.Parent.FindByKey(k, fallback)
}
