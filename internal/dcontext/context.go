package dcontext

import (
	"context"
	"sync"
	"time"

	"github.com/stevedore/stevedore/internal/uuid"
)

// instanceContext is a context that provides only an instance id. It is
// provided as the main background context.
type instanceContext struct {
	context.Context
	id   string    // id of context, logged as "instance.id"
	once sync.Once // once protect generation of the id
}

func (ic *instanceContext) Value(key any) any {
	if key == "instance.id" {
		ic.once.Do(func() {
			// Lazily initialize the id so that no random source is
			// consulted during package initialization.
			ic.id = uuid.Generate()
		})
		return ic.id
	}

	return ic.Context.Value(key)
}

var background = &instanceContext{
	Context: context.Background(),
}

// Background returns a non-nil, empty Context. The background context
// provides a single key, "instance.id" that is globally unique to the
// process.
func Background() context.Context {
	return background
}

// WithValues returns a context that proxies lookups through a map.
func WithValues(ctx context.Context, m map[string]any) context.Context {
	return &valueContext{ctx, m}
}

type valueContext struct {
	context.Context
	m map[string]any
}

func (vc *valueContext) Value(key any) any {
	if ks, ok := key.(string); ok {
		if v, ok := vc.m[ks]; ok {
			return v
		}
	}

	return vc.Context.Value(key)
}

// GetStringValue returns a string value from the context. The empty string
// will be returned if not found.
func GetStringValue(ctx context.Context, key any) (value string) {
	if valuev, ok := ctx.Value(key).(string); ok {
		value = valuev
	}
	return value
}

// Since looks up key, which should be a time.Time, and returns the duration
// since that time. If the key is not found or the value is not a time.Time,
// zero will be returned.
func Since(ctx context.Context, key any) time.Duration {
	if startedAt, ok := ctx.Value(key).(time.Time); ok {
		return time.Since(startedAt)
	}
	return 0
}
