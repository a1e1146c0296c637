package script

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunetrt/lunet/dbpool/sqlitedriver"
	"github.com/lunetrt/lunet/paxe"
	"github.com/lunetrt/lunet/runtime"
	"github.com/lunetrt/lunet/signal"
)

func setup(t *testing.T) (*runtime.Root, *Binder, func()) {
	t.Helper()
	root, err := runtime.New()
	require.NoError(t, err)

	b, err := Install(root, Config{
		Signals: signal.NewRegistry(root),
		Paxe:    paxe.New(nil),
		DB:      sqlitedriver.New(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = root.Bridge.Run(ctx)
	}()
	stop := func() {
		cancel()
		_ = root.Bridge.Shutdown(context.Background())
		<-done
		_ = root.Bridge.Close()
	}
	return root, b, stop
}

// runTop evaluates top-level script source under the execution token, the
// way the launcher does.
func runTop(t *testing.T, root *runtime.Root, src string) (goja.Value, error) {
	t.Helper()
	var v goja.Value
	var err error
	root.Fibers.Exclusive(func() { v, err = root.VM.RunString(src) })
	return v, err
}

// report wires a script-side result back to the test goroutine.
func reportChannel(t *testing.T, root *runtime.Root) chan bool {
	t.Helper()
	ch := make(chan bool, 1)
	require.NoError(t, root.VM.Set("report", func(ok bool) { ch <- ok }))
	return ch
}

func awaitReport(t *testing.T, ch chan bool) bool {
	t.Helper()
	select {
	case ok := <-ch:
		return ok
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for script report")
		return false
	}
}

func TestSleepSuspendsAndResumes(t *testing.T) {
	root, _, stop := setup(t)
	defer stop()
	ch := reportChannel(t, root)

	_, err := runTop(t, root, `
		spawn(function() {
			var r = sleep(20);
			report(r[1] === null);
		});
	`)
	require.NoError(t, err)
	assert.True(t, awaitReport(t, ch))
}

func TestAsyncPrimitiveOutsideFiberThrows(t *testing.T) {
	root, _, stop := setup(t)
	defer stop()

	_, err := runTop(t, root, `sleep(1);`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_IN_FIBER")
}

func TestPaxeRoundTripThroughBindings(t *testing.T) {
	root, _, stop := setup(t)
	defer stop()
	ch := reportChannel(t, root)

	_, err := runTop(t, root, `
		paxe.init();
		paxe.keystore_set(1, "` + strings.Repeat("A", 32) + `");
		spawn(function() {
			var enc = paxe.encrypt(1, "Hello, PAXE!");
			if (enc[1] !== null) { report(false); return; }
			if (enc[0].length !== 48) { report(false); return; }
			var dec = paxe.try_decrypt(enc[0]);
			report(dec[0] === "Hello, PAXE!" && dec[1] === 1 && dec[2] === 0);
		});
	`)
	require.NoError(t, err)
	assert.True(t, awaitReport(t, ch))
}

func TestKeystoreRejectsBadLengthFromScript(t *testing.T) {
	root, _, stop := setup(t)
	defer stop()

	v, err := runTop(t, root, `paxe.keystore_set(1, "short")[1]`)
	require.NoError(t, err)
	assert.Contains(t, v.String(), "32 bytes")
}

func TestLoopbackRestrictionDefaultOn(t *testing.T) {
	root, _, stop := setup(t)
	defer stop()

	v, err := runTop(t, root, `stream.listen("tcp", "8.8.8.8", 12345)[1]`)
	require.NoError(t, err)
	assert.Contains(t, v.String(), "loopback")
}

func TestEchoThroughBindings(t *testing.T) {
	root, _, stop := setup(t)
	defer stop()
	ch := reportChannel(t, root)

	_, err := runTop(t, root, `
		var l = stream.listen("tcp", "127.0.0.1", 18091)[0];
		spawn(function() {
			var c = stream.accept(l)[0];
			var msg = stream.read(c)[0];
			stream.write(c, msg);
			stream.close(c);
		});
		spawn(function() {
			var c = stream.connect("127.0.0.1", 18091)[0];
			stream.write(c, "ping");
			var echo = stream.read(c)[0];
			stream.close(c);
			stream.close(l);
			report(echo === "ping");
		});
	`)
	require.NoError(t, err)
	assert.True(t, awaitReport(t, ch))
}

func TestDBSurfaceThroughBindings(t *testing.T) {
	root, _, stop := setup(t)
	defer stop()
	ch := reportChannel(t, root)

	_, err := runTop(t, root, `
		spawn(function() {
			var c = db.open(":memory:")[0];
			db.exec(c, "CREATE TABLE t (id INTEGER, name TEXT)");
			db.exec_params(c, "INSERT INTO t VALUES(?, ?)", 1, "O'Brien");
			var rows = db.query_params(c, "SELECT name FROM t WHERE id = ?", 1)[0];
			var ok = rows.length === 1 && rows[0].name === "O'Brien";
			db.close(c);
			report(ok);
		});
	`)
	require.NoError(t, err)
	assert.True(t, awaitReport(t, ch))
}

func TestByteStringRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x01, 0x7F, 0x80, 0xAB, 0xFF}
	assert.Equal(t, payload, stringBytes(byteString(payload)))
}
