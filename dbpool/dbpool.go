// Package dbpool implements the thread-pool offload and DB connection
// model: a driver-agnostic connection handle whose blocking native calls
// run on pooled goroutines via internal/bridge.Offload, never stalling
// the loop thread, with parameter marshalling on the way in and row
// materialization on the way out. The driver contract is deliberately
// narrow — connect/exec/query/escape/close — so backends can wrap
// database/sql or anything else.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/internal/anchor"
	"github.com/lunetrt/lunet/runtime"
)

// Sentinel errors surfaced to scripts.
var (
	ErrBadParam = errors.New("dbpool: parameter cannot be marshalled")
	ErrClosed   = errors.New("dbpool: connection is closed")
)

// Native is an opaque, driver-owned connection value (e.g. a *sql.DB or a
// raw C-style handle in the original). dbpool never inspects it.
type Native any

// ExecResult is exec's result shape, per the driver contract.
type ExecResult struct {
	Affected     int64
	LastInsertID int64
}

// Row is one result row, column name to marshalled value.
type Row map[string]any

// Driver is the contract every database backend implements. These five
// operations are driver-internal; dbpool guarantees only the mutex
// serialization and work-thread discipline around them.
type Driver interface {
	Connect(ctx context.Context, params string) (Native, error)
	Exec(ctx context.Context, native Native, sqlText string, params []any) (ExecResult, error)
	Query(ctx context.Context, native Native, sqlText string, params []any) ([]Row, error)
	Escape(native Native, s string) (string, error)
	Close(native Native) error
}

// Conn is the script-visible connection handle: a native connection, a
// mutex serializing access to it, and a closed flag. The mutex is never
// torn down while held — Go has no manual mutex destruction, so the
// discipline's Go-native form is: Close marks the connection closed under
// the mutex, then defers the driver-level teardown until every offloaded
// work item already in flight has finished, tracked by wg.
type Conn struct {
	mu     sync.Mutex
	native Native
	driver Driver
	root   *runtime.Root
	closed bool
	wg     sync.WaitGroup
}

// Kind implements anchor.Handle.
func (c *Conn) Kind() anchor.Kind { return anchor.KindDBConn }

// Open connects via driver, suspending the calling fiber while the native
// connect call runs on a pool thread.
func Open(f *fiber.Fiber, root *runtime.Root, driver Driver, params string) (*Conn, error) {
	outcome, err := offloadAndSuspend(f, root, func(ctx context.Context) (any, error) {
		return driver.Connect(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	return &Conn{native: outcome.(Native), driver: driver, root: root}, nil
}

// Close blocks new work immediately and schedules the native teardown to
// run once every in-flight offloaded call on this Conn has returned.
func Close(c *Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	native := c.native
	driver := c.driver
	c.mu.Unlock()

	go func() {
		c.wg.Wait()
		_ = driver.Close(native)
	}()
	return nil
}

// Query runs sqlText with no parameters, suspending until the pool thread
// returns rows.
func Query(f *fiber.Fiber, c *Conn, sqlText string) ([]Row, error) {
	return QueryParams(f, c, sqlText, nil)
}

// Exec runs sqlText with no parameters, suspending until the pool thread
// returns the affected/last-insert-id pair.
func Exec(f *fiber.Fiber, c *Conn, sqlText string) (ExecResult, error) {
	return ExecParams(f, c, sqlText, nil)
}

// QueryParams marshals args and runs sqlText on a pool thread, resuming
// the calling fiber with the materialized rows.
func QueryParams(f *fiber.Fiber, c *Conn, sqlText string, args []any) ([]Row, error) {
	params, err := marshalParams(args)
	if err != nil {
		return nil, err
	}
	outcome, err := c.offload(f, func(ctx context.Context, native Native, driver Driver) (any, error) {
		return driver.Query(ctx, native, sqlText, params)
	})
	if err != nil {
		return nil, err
	}
	return outcome.([]Row), nil
}

// ExecParams marshals args and runs sqlText on a pool thread.
func ExecParams(f *fiber.Fiber, c *Conn, sqlText string, args []any) (ExecResult, error) {
	params, err := marshalParams(args)
	if err != nil {
		return ExecResult{}, err
	}
	outcome, err := c.offload(f, func(ctx context.Context, native Native, driver Driver) (any, error) {
		return driver.Exec(ctx, native, sqlText, params)
	})
	if err != nil {
		return ExecResult{}, err
	}
	return outcome.(ExecResult), nil
}

// offload is the work-thread body shared by Query/Exec: the pool
// goroutine locks the handle mutex, re-checks the closed flag, runs the
// native call, and unlocks — so two fibers issuing work against the same
// Conn are serialized by the core, not by whatever thread safety the
// driver happens to have. wg is bumped before the work is queued so Close
// cannot begin the native teardown while a call is in flight.
func (c *Conn) offload(f *fiber.Fiber, fn func(ctx context.Context, native Native, driver Driver) (any, error)) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	return f.Suspend(func(resume func(any, error)) {
		ch := c.root.Bridge.Offload(context.Background(), func(ctx context.Context) (any, error) {
			defer c.wg.Done()
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.closed {
				return nil, ErrClosed
			}
			return fn(ctx, c.native, c.driver)
		})
		go func() {
			outcome := <-ch
			resume(outcome.Value, outcome.Err)
		}()
	})
}

// Escape delegates to the driver's escaping rule. It is fast enough to
// run synchronously instead of offloading, but some drivers consult
// connection state (e.g. the active charset) to escape correctly, so the
// mutex is held across the call like any other native access.
func Escape(c *Conn, s string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	return c.driver.Escape(c.native, s)
}

// offloadAndSuspend runs fn on a pool thread and resumes the fiber once
// the Outcome arrives; used by Open, which has no Conn (and so no mutex)
// yet. The Outcome arrives on a goroutine spawned here — never
// synchronously inside register — so resume cannot fire before the fiber
// has parked.
func offloadAndSuspend(f *fiber.Fiber, root *runtime.Root, fn func(ctx context.Context) (any, error)) (any, error) {
	return f.Suspend(func(resume func(any, error)) {
		ch := root.Bridge.Offload(context.Background(), fn)
		go func() {
			outcome := <-ch
			resume(outcome.Value, outcome.Err)
		}()
	})
}

// marshalParams converts script-level argument values into the driver
// parameter set: nil, integer, double, string pass through directly; bool
// becomes int64 1 or 0; a fmt.Stringer is replaced by its String() result;
// anything else is coerced to string via fmt.Sprintf unless it
// is a kind that can never carry a sensible textual form (func, chan,
// unsafe pointer, complex), which fails with ErrBadParam.
func marshalParams(args []any) ([]any, error) {
	if args == nil {
		return nil, nil
	}
	out := make([]any, len(args))
	for i, v := range args {
		p, err := marshalParam(v)
		if err != nil {
			return nil, fmt.Errorf("dbpool: param %d: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}

func marshalParam(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return x, nil
	case float32, float64:
		return x, nil
	case string:
		return x, nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		switch reflect.TypeOf(v).Kind() {
		case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
			return nil, ErrBadParam
		}
		return fmt.Sprintf("%v", v), nil
	}
}
