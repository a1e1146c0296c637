package dbpool_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunetrt/lunet/dbpool"
	"github.com/lunetrt/lunet/dbpool/sqlitedriver"
	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/runtime"
)

func runLoop(t *testing.T, root *runtime.Root) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = root.Bridge.Run(ctx)
	}()
	return func() {
		cancel()
		_ = root.Bridge.Shutdown(context.Background())
		<-done
		_ = root.Bridge.Close()
	}
}

// TestParameterizedInsertAndQuery drives the full connection lifecycle
// against an in-memory database: create a table, insert with positional
// parameters (including a value that needs quoting), and read it back.
func TestParameterizedInsertAndQuery(t *testing.T) {
	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	type outcome struct {
		rows []dbpool.Row
		err  error
	}
	result := make(chan outcome, 1)

	root.Fibers.Spawn(func(f *fiber.Fiber) {
		conn, err := dbpool.Open(f, root, sqlitedriver.New(), ":memory:")
		if err != nil {
			result <- outcome{err: err}
			return
		}
		defer dbpool.Close(conn)

		if _, err := dbpool.Exec(f, conn, "CREATE TABLE t (id INTEGER, name TEXT)"); err != nil {
			result <- outcome{err: err}
			return
		}
		if _, err := dbpool.ExecParams(f, conn, "INSERT INTO t VALUES(?, ?)", []any{1, "O'Brien"}); err != nil {
			result <- outcome{err: err}
			return
		}
		rows, err := dbpool.QueryParams(f, conn, "SELECT name FROM t WHERE id = ?", []any{1})
		result <- outcome{rows: rows, err: err}
	})

	select {
	case got := <-result:
		require.NoError(t, got.err)
		require.Len(t, got.rows, 1)
		assert.Equal(t, "O'Brien", got.rows[0]["name"])
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for query result")
	}
}

func TestExecReportsAffectedAndLastInsertID(t *testing.T) {
	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	result := make(chan dbpool.ExecResult, 1)
	fail := make(chan error, 1)

	root.Fibers.Spawn(func(f *fiber.Fiber) {
		conn, err := dbpool.Open(f, root, sqlitedriver.New(), ":memory:")
		if err != nil {
			fail <- err
			return
		}
		defer dbpool.Close(conn)

		if _, err := dbpool.Exec(f, conn, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)"); err != nil {
			fail <- err
			return
		}
		res, err := dbpool.ExecParams(f, conn, "INSERT INTO t (v) VALUES(?)", []any{"x"})
		if err != nil {
			fail <- err
			return
		}
		result <- res
	})

	select {
	case res := <-result:
		assert.Equal(t, int64(1), res.Affected)
		assert.Equal(t, int64(1), res.LastInsertID)
	case err := <-fail:
		t.Fatalf("scenario failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}

func TestQueryAfterCloseFails(t *testing.T) {
	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	errCh := make(chan error, 1)
	root.Fibers.Spawn(func(f *fiber.Fiber) {
		conn, err := dbpool.Open(f, root, sqlitedriver.New(), ":memory:")
		if err != nil {
			errCh <- err
			return
		}
		_ = dbpool.Close(conn)
		_, err = dbpool.Query(f, conn, "SELECT 1")
		errCh <- err
	})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, dbpool.ErrClosed)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}

func TestBadParamRejected(t *testing.T) {
	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	errCh := make(chan error, 1)
	root.Fibers.Spawn(func(f *fiber.Fiber) {
		conn, err := dbpool.Open(f, root, sqlitedriver.New(), ":memory:")
		if err != nil {
			errCh <- err
			return
		}
		defer dbpool.Close(conn)
		_, err = dbpool.QueryParams(f, conn, "SELECT ?", []any{make(chan struct{})})
		errCh <- err
	})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, dbpool.ErrBadParam)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}

// exclusionDriver records whether two native calls ever run concurrently;
// a thread-unsafe native handle stands behind every real driver, so any
// overlap is a serialization failure in the connection layer itself.
type exclusionDriver struct {
	active  atomic.Int32
	overlap atomic.Bool
}

func (d *exclusionDriver) enter() {
	if d.active.Add(1) != 1 {
		d.overlap.Store(true)
	}
	time.Sleep(20 * time.Millisecond)
	d.active.Add(-1)
}

func (d *exclusionDriver) Connect(context.Context, string) (dbpool.Native, error) {
	return struct{}{}, nil
}

func (d *exclusionDriver) Exec(context.Context, dbpool.Native, string, []any) (dbpool.ExecResult, error) {
	d.enter()
	return dbpool.ExecResult{}, nil
}

func (d *exclusionDriver) Query(context.Context, dbpool.Native, string, []any) ([]dbpool.Row, error) {
	d.enter()
	return []dbpool.Row{}, nil
}

func (d *exclusionDriver) Escape(_ dbpool.Native, s string) (string, error) { return s, nil }

func (d *exclusionDriver) Close(dbpool.Native) error { return nil }

// TestSameConnectionWorkIsSerialized issues two queries against one Conn
// from two fibers at once; the handle mutex must keep their native calls
// from overlapping regardless of what the driver does.
func TestSameConnectionWorkIsSerialized(t *testing.T) {
	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	drv := &exclusionDriver{}
	done := make(chan struct{}, 2)
	fail := make(chan error, 3)

	root.Fibers.Spawn(func(f *fiber.Fiber) {
		conn, err := dbpool.Open(f, root, drv, "")
		if err != nil {
			fail <- err
			return
		}
		for i := 0; i < 2; i++ {
			if _, err := root.Fibers.SpawnVia(root.Bridge.SubmitInternal, func(f *fiber.Fiber) {
				if _, err := dbpool.Query(f, conn, "SELECT 1"); err != nil {
					fail <- err
					return
				}
				done <- struct{}{}
			}); err != nil {
				fail <- err
				return
			}
		}
	})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case err := <-fail:
			t.Fatalf("scenario failed: %v", err)
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for concurrent queries")
		}
	}
	assert.False(t, drv.overlap.Load(), "native calls on one connection overlapped")
}

func TestEscapeDoublesQuotes(t *testing.T) {
	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	got := make(chan string, 1)
	fail := make(chan error, 1)
	root.Fibers.Spawn(func(f *fiber.Fiber) {
		conn, err := dbpool.Open(f, root, sqlitedriver.New(), ":memory:")
		if err != nil {
			fail <- err
			return
		}
		defer dbpool.Close(conn)
		s, err := dbpool.Escape(conn, "O'Brien")
		if err != nil {
			fail <- err
			return
		}
		got <- s
	})

	select {
	case s := <-got:
		assert.Equal(t, "O''Brien", s)
	case err := <-fail:
		t.Fatalf("scenario failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}
