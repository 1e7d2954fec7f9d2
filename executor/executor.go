// Package executor runs the atomic check-and-set scripts every state
// transition goes through. The store's script execution is the single
// serialization point; no process can observe a torn record.
package executor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lserrors "github.com/lockstep-io/lockstep/errors"
)

var tracer = otel.Tracer("github.com/lockstep-io/lockstep/executor")

// Executor executes atomic scripts and TTL refreshes against a Redis store.
type Executor struct {
	client *redis.Client
}

// New returns an Executor bound to the given client.
func New(client *redis.Client) *Executor {
	return &Executor{client: client}
}

// Client exposes the underlying connection, used to share it with a RedisBus.
func (e *Executor) Client() *redis.Client {
	return e.client
}

// Run executes script atomically (EVALSHA with EVAL fallback). A Lua nil
// reply is returned as a nil result with no error; transport and scripting
// failures are wrapped in ErrTransport.
func (e *Executor) Run(ctx context.Context, op string, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	ctx, span := tracer.Start(ctx, "Executor.Run",
		trace.WithAttributes(attribute.String("lockstep.op", op)))
	defer span.End()

	res, err := script.Run(ctx, e.client, keys, args...).Result()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", lserrors.ErrTransport, op, err)
	}
	return res, nil
}

// RefreshExpiry extends the expiry of key by ttl. It reports whether the key
// existed; a missing key means the record is gone and the lease is lost.
func (e *Executor) RefreshExpiry(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "Executor.RefreshExpiry",
		trace.WithAttributes(attribute.String("lockstep.key", key)))
	defer span.End()

	ok, err := e.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: refresh %s: %v", lserrors.ErrTransport, key, err)
	}
	return ok, nil
}
