// Package script installs the script-visible module surface onto a goja
// runtime: spawn/sleep, the stream and datagram engines, filesystem and
// signal helpers, the DB connection model, the HTTPS client, and the
// packet encryption facade.
//
// Handles cross the script boundary as opaque integer ids resolved through
// a process-wide registry, never as raw Go pointers. Fallible calls return
// a [value, err] pair (err is null on success) so ordinary-looking
// sequential script code can check errors without try/catch; protocol
// misuse that happens outside any fiber throws instead.
package script

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/dop251/goja"

	"github.com/lunetrt/lunet/clock"
	"github.com/lunetrt/lunet/datagram"
	"github.com/lunetrt/lunet/dbpool"
	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/fs"
	"github.com/lunetrt/lunet/httpsclient"
	"github.com/lunetrt/lunet/internal/anchor"
	"github.com/lunetrt/lunet/paxe"
	"github.com/lunetrt/lunet/runtime"
	"github.com/lunetrt/lunet/signal"
	"github.com/lunetrt/lunet/stream"
)

// ErrInvalidHandle is thrown (as a script error) when an id does not
// resolve to a live handle of the expected kind.
var ErrInvalidHandle = errors.New("INVALID_HANDLE")

// Config carries the pieces the bindings need beyond the Root itself.
type Config struct {
	// AllowNonLoopback lifts the default restriction that listeners and
	// datagram sockets may bind loopback addresses only.
	AllowNonLoopback bool

	// AllowFileURLs admits file:// URLs in httpc.request.
	AllowFileURLs bool

	// Signals handles signal.wait; required.
	Signals *signal.Registry

	// Paxe is the packet encryption facade; required.
	Paxe *paxe.Facade

	// DB is the database driver backing db.open; nil leaves db.open
	// failing with an explanatory error.
	DB dbpool.Driver
}

// Binder holds the installed surface's shared state.
type Binder struct {
	root *runtime.Root
	vm   *goja.Runtime
	cfg  Config

	handles *anchor.Registry[anchor.Handle]
	files   *anchor.Registry[*fs.File]
}

// Install binds the full surface onto root's goja runtime and returns the
// Binder for launcher-side introspection (open handle counts at
// shutdown).
func Install(root *runtime.Root, cfg Config) (*Binder, error) {
	b := &Binder{
		root:    root,
		vm:      root.VM,
		cfg:     cfg,
		handles: anchor.NewRegistry[anchor.Handle](),
		files:   anchor.NewRegistry[*fs.File](),
	}

	vm := root.VM
	if err := vm.Set("spawn", b.spawn); err != nil {
		return nil, err
	}
	if err := vm.Set("sleep", b.sleep); err != nil {
		return nil, err
	}

	for name, build := range map[string]func() *goja.Object{
		"stream":     b.streamModule,
		"unixstream": b.unixStreamModule,
		"datagram":   b.datagramModule,
		"fs":         b.fsModule,
		"signal":     b.signalModule,
		"db":         b.dbModule,
		"httpc":      b.httpcModule,
		"paxe":       b.paxeModule,
	} {
		if err := vm.Set(name, build()); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// OpenHandles returns the number of script-visible handles still
// registered, for shutdown diagnostics.
func (b *Binder) OpenHandles() int {
	return b.handles.Len() + b.files.Len()
}

// --- shared helpers -----------------------------------------------------

// byteString converts raw bytes to a script string one code unit per byte
// (Latin-1), keeping binary payloads intact through the engine's UTF-16
// string model. stringBytes is its inverse; code points above 255 are
// truncated to their low byte, which only occurs if the script built the
// string itself rather than receiving it from a binding.
func byteString(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

func stringBytes(s string) []byte {
	runes := []rune(s)
	out := make([]byte, len(runes))
	for i, r := range runes {
		out[i] = byte(r)
	}
	return out
}

// tuple builds the [value, err] pair every fallible binding returns.
func (b *Binder) tuple(value any, err error) goja.Value {
	pair := []any{value, nil}
	if err != nil {
		pair[1] = err.Error()
	}
	return b.vm.ToValue(pair)
}

// throw raises a script-level error; used for protocol misuse, which is a
// bug in the script rather than a runtime condition it should handle.
func (b *Binder) throw(name string) {
	panic(b.vm.ToValue(name))
}

// currentFiber returns the running fiber or throws NOT_IN_FIBER.
func (b *Binder) currentFiber() *fiber.Fiber {
	f := b.root.Fibers.Current()
	if f == nil {
		b.throw("NOT_IN_FIBER")
	}
	return f
}

func (b *Binder) lookupHandle(id int64) anchor.Handle {
	h, ok := b.handles.Lookup(anchor.ID(id))
	if !ok {
		b.throw(ErrInvalidHandle.Error())
	}
	return h
}

func (b *Binder) lookupListener(id int64) *stream.Listener {
	l, ok := b.lookupHandle(id).(*stream.Listener)
	if !ok {
		b.throw(ErrInvalidHandle.Error())
	}
	return l
}

func (b *Binder) lookupClient(id int64) *stream.Client {
	c, ok := b.lookupHandle(id).(*stream.Client)
	if !ok {
		b.throw(ErrInvalidHandle.Error())
	}
	return c
}

func isLoopback(host string) bool {
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return len(host) > 4 && host[:4] == "127."
}

func (b *Binder) checkBindAddr(proto stream.Proto, host string) error {
	if b.cfg.AllowNonLoopback || proto == stream.ProtoUnix {
		return nil
	}
	if !isLoopback(host) {
		return fmt.Errorf("binding non-loopback address %q requires --dangerously-skip-loopback-restriction", host)
	}
	return nil
}

// --- spawn / sleep ------------------------------------------------------

// spawn starts a new fiber running fn with the given arguments and
// returns its id. The first step always runs from the loop's internal
// queue, at the tail of the current iteration: the caller — whether the
// top level or another fiber — holds the execution token, so starting the
// child synchronously would deadlock on it.
func (b *Binder) spawn(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		b.throw("BAD_PARAM")
	}
	args := make([]goja.Value, 0, len(call.Arguments)-1)
	args = append(args, call.Arguments[1:]...)

	run := func(f *fiber.Fiber) {
		if _, err := fn(goja.Undefined(), args...); err != nil {
			b.root.Log.Err().
				Uint64("fiber", uint64(f.ID())).
				Err(err).
				Log("fiber fault")
		}
	}

	f, err := b.root.Fibers.SpawnVia(b.root.Bridge.SubmitInternal, run)
	if err != nil {
		return b.tuple(nil, err)
	}
	return b.vm.ToValue(uint64(f.ID()))
}

// sleep(ms) suspends the calling fiber for at least ms milliseconds.
func (b *Binder) sleep(call goja.FunctionCall) goja.Value {
	f := b.currentFiber()
	ms := call.Argument(0).ToInteger()
	err := clock.Sleep(f, b.root, time.Duration(ms)*time.Millisecond)
	return b.tuple(nil, err)
}

// --- stream -------------------------------------------------------------

func (b *Binder) streamModule() *goja.Object {
	o := b.vm.NewObject()
	_ = o.Set("listen", b.streamListen)
	_ = o.Set("accept", b.streamAccept)
	_ = o.Set("connect", b.streamConnect)
	_ = o.Set("read", b.streamRead)
	_ = o.Set("write", b.streamWrite)
	_ = o.Set("close", b.streamClose)
	_ = o.Set("getpeername", b.streamGetPeerName)
	_ = o.Set("set_read_buffer_size", func(call goja.FunctionCall) goja.Value {
		stream.SetReadBufferSize(int(call.Argument(0).ToInteger()))
		return goja.Undefined()
	})
	return o
}

// unixStreamModule is the path-based face of the same engine: listen and
// connect take a filesystem path, everything else (accept, read, write,
// close, getpeername) is shared with the stream module since the handles
// are interchangeable.
func (b *Binder) unixStreamModule() *goja.Object {
	o := b.vm.NewObject()
	_ = o.Set("listen", func(call goja.FunctionCall) goja.Value {
		return b.listen(stream.ProtoUnix, call.Argument(0).String(), 0)
	})
	_ = o.Set("connect", func(call goja.FunctionCall) goja.Value {
		return b.connect(stream.ProtoUnix, call.Argument(0).String(), 0)
	})
	_ = o.Set("accept", b.streamAccept)
	_ = o.Set("read", b.streamRead)
	_ = o.Set("write", b.streamWrite)
	_ = o.Set("close", b.streamClose)
	_ = o.Set("getpeername", b.streamGetPeerName)
	_ = o.Set("unlink", func(call goja.FunctionCall) goja.Value {
		return b.tuple(nil, stream.Unlink(call.Argument(0).String()))
	})
	return o
}

func (b *Binder) streamListen(call goja.FunctionCall) goja.Value {
	proto := stream.Proto(call.Argument(0).String())
	host := call.Argument(1).String()
	port := int(call.Argument(2).ToInteger())
	return b.listen(proto, host, port)
}

func (b *Binder) listen(proto stream.Proto, host string, port int) goja.Value {
	if err := b.checkBindAddr(proto, host); err != nil {
		return b.tuple(nil, err)
	}
	l, err := stream.Listen(b.root, proto, host, port)
	if err != nil {
		return b.tuple(nil, err)
	}
	return b.tuple(uint64(b.handles.Create(l)), nil)
}

func (b *Binder) streamAccept(call goja.FunctionCall) goja.Value {
	f := b.currentFiber()
	l := b.lookupListener(call.Argument(0).ToInteger())
	c, err := stream.Accept(f, l)
	if err != nil {
		return b.tuple(nil, err)
	}
	return b.tuple(uint64(b.handles.Create(c)), nil)
}

func (b *Binder) streamConnect(call goja.FunctionCall) goja.Value {
	host := call.Argument(0).String()
	port := int(call.Argument(1).ToInteger())
	return b.connect(stream.ProtoTCP, host, port)
}

func (b *Binder) connect(proto stream.Proto, host string, port int) goja.Value {
	f := b.currentFiber()
	c, err := stream.Connect(f, b.root, proto, host, port)
	if err != nil {
		return b.tuple(nil, err)
	}
	return b.tuple(uint64(b.handles.Create(c)), nil)
}

func (b *Binder) streamRead(call goja.FunctionCall) goja.Value {
	f := b.currentFiber()
	c := b.lookupClient(call.Argument(0).ToInteger())
	data, err := stream.Read(f, c)
	if err != nil {
		return b.tuple(nil, err)
	}
	if data == nil {
		return b.tuple(nil, nil) // EOF
	}
	return b.tuple(byteString(data), nil)
}

func (b *Binder) streamWrite(call goja.FunctionCall) goja.Value {
	f := b.currentFiber()
	c := b.lookupClient(call.Argument(0).ToInteger())
	err := stream.Write(f, c, stringBytes(call.Argument(1).String()))
	return b.tuple(nil, err)
}

func (b *Binder) streamClose(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	h := b.lookupHandle(id)
	err := stream.Close(h)
	b.handles.Release(anchor.ID(id))
	return b.tuple(nil, err)
}

func (b *Binder) streamGetPeerName(call goja.FunctionCall) goja.Value {
	c := b.lookupClient(call.Argument(0).ToInteger())
	peer, err := stream.GetPeerName(c)
	if err != nil {
		return b.tuple(nil, err)
	}
	return b.tuple(peer, nil)
}

// --- datagram -----------------------------------------------------------

func (b *Binder) datagramModule() *goja.Object {
	o := b.vm.NewObject()
	_ = o.Set("bind", func(call goja.FunctionCall) goja.Value {
		host := call.Argument(0).String()
		port := int(call.Argument(1).ToInteger())
		if err := b.checkBindAddr(stream.ProtoTCP, host); err != nil {
			return b.tuple(nil, err)
		}
		h, err := datagram.Bind(b.root, host, port)
		if err != nil {
			return b.tuple(nil, err)
		}
		return b.tuple(uint64(b.handles.Create(h)), nil)
	})
	_ = o.Set("send", func(call goja.FunctionCall) goja.Value {
		f := b.currentFiber()
		h := b.lookupDatagram(call.Argument(0).ToInteger())
		host := call.Argument(1).String()
		port := int(call.Argument(2).ToInteger())
		err := datagram.Send(f, h, host, port, stringBytes(call.Argument(3).String()))
		return b.tuple(nil, err)
	})
	_ = o.Set("recv", func(call goja.FunctionCall) goja.Value {
		f := b.currentFiber()
		h := b.lookupDatagram(call.Argument(0).ToInteger())
		data, host, port, err := datagram.Recv(f, h)
		if err != nil {
			return b.tuple(nil, err)
		}
		return b.vm.ToValue([]any{byteString(data), host, port, nil})
	})
	_ = o.Set("close", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		h := b.lookupDatagram(id)
		err := datagram.Close(h)
		b.handles.Release(anchor.ID(id))
		return b.tuple(nil, err)
	})
	return o
}

func (b *Binder) lookupDatagram(id int64) *datagram.Handle {
	h, ok := b.lookupHandle(id).(*datagram.Handle)
	if !ok {
		b.throw(ErrInvalidHandle.Error())
	}
	return h
}

// --- fs -----------------------------------------------------------------

func (b *Binder) fsModule() *goja.Object {
	o := b.vm.NewObject()
	_ = o.Set("open", func(call goja.FunctionCall) goja.Value {
		file, err := fs.Open(b.root, call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			return b.tuple(nil, err)
		}
		return b.tuple(uint64(b.files.Create(file)), nil)
	})
	_ = o.Set("read", func(call goja.FunctionCall) goja.Value {
		file := b.lookupFile(call.Argument(0).ToInteger())
		data, err := file.Read(int(call.Argument(1).ToInteger()))
		if err != nil {
			return b.tuple(nil, err)
		}
		if data == nil {
			return b.tuple(nil, nil) // EOF
		}
		return b.tuple(byteString(data), nil)
	})
	_ = o.Set("write", func(call goja.FunctionCall) goja.Value {
		file := b.lookupFile(call.Argument(0).ToInteger())
		n, err := file.Write(stringBytes(call.Argument(1).String()))
		if err != nil {
			return b.tuple(nil, err)
		}
		return b.tuple(n, nil)
	})
	_ = o.Set("close", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		file := b.lookupFile(id)
		err := file.Close()
		b.files.Release(anchor.ID(id))
		return b.tuple(nil, err)
	})
	_ = o.Set("stat", func(call goja.FunctionCall) goja.Value {
		info, err := fs.Stat(call.Argument(0).String())
		if err != nil {
			return b.tuple(nil, err)
		}
		return b.tuple(map[string]any{
			"name":    info.Name,
			"size":    info.Size,
			"mode":    uint32(info.Mode),
			"modtime": info.ModTime.UnixMilli(),
			"is_dir":  info.IsDir,
		}, nil)
	})
	_ = o.Set("scandir", func(call goja.FunctionCall) goja.Value {
		entries, err := fs.ScanDir(call.Argument(0).String())
		if err != nil {
			return b.tuple(nil, err)
		}
		out := make([]any, len(entries))
		for i, e := range entries {
			out[i] = map[string]any{"name": e.Name, "is_dir": e.IsDir}
		}
		return b.tuple(out, nil)
	})
	return o
}

func (b *Binder) lookupFile(id int64) *fs.File {
	file, ok := b.files.Lookup(anchor.ID(id))
	if !ok {
		b.throw(ErrInvalidHandle.Error())
	}
	return file
}

// --- signal -------------------------------------------------------------

// signalTable maps the script-level names onto OS signals. Both bare
// ("INT") and prefixed ("SIGINT") spellings are accepted.
var signalTable = map[string]syscall.Signal{
	"INT":   syscall.SIGINT,
	"TERM":  syscall.SIGTERM,
	"HUP":   syscall.SIGHUP,
	"QUIT":  syscall.SIGQUIT,
	"USR1":  syscall.SIGUSR1,
	"USR2":  syscall.SIGUSR2,
	"WINCH": syscall.SIGWINCH,
}

func lookupSignal(name string) (syscall.Signal, bool) {
	if len(name) > 3 && name[:3] == "SIG" {
		name = name[3:]
	}
	sig, ok := signalTable[name]
	return sig, ok
}

func (b *Binder) signalModule() *goja.Object {
	o := b.vm.NewObject()
	_ = o.Set("wait", func(call goja.FunctionCall) goja.Value {
		f := b.currentFiber()
		name := call.Argument(0).String()
		sig, ok := lookupSignal(name)
		if !ok {
			return b.tuple(nil, fmt.Errorf("unknown signal name %q", name))
		}
		canonical := "SIG" + strings.TrimPrefix(name, "SIG")
		if _, err := b.cfg.Signals.Wait(f, canonical, sig); err != nil {
			return b.tuple(nil, err)
		}
		return b.tuple(name, nil)
	})
	return o
}

// --- db -----------------------------------------------------------------

func (b *Binder) dbModule() *goja.Object {
	o := b.vm.NewObject()
	_ = o.Set("open", func(call goja.FunctionCall) goja.Value {
		f := b.currentFiber()
		if b.cfg.DB == nil {
			return b.tuple(nil, errors.New("no database driver configured"))
		}
		conn, err := dbpool.Open(f, b.root, b.cfg.DB, call.Argument(0).String())
		if err != nil {
			return b.tuple(nil, err)
		}
		return b.tuple(uint64(b.handles.Create(conn)), nil)
	})
	_ = o.Set("close", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		conn := b.lookupConn(id)
		err := dbpool.Close(conn)
		b.handles.Release(anchor.ID(id))
		return b.tuple(nil, err)
	})
	_ = o.Set("query", func(call goja.FunctionCall) goja.Value {
		return b.dbQuery(call, nil)
	})
	_ = o.Set("exec", func(call goja.FunctionCall) goja.Value {
		return b.dbExec(call, nil)
	})
	_ = o.Set("query_params", func(call goja.FunctionCall) goja.Value {
		return b.dbQuery(call, exportArgs(call.Arguments[2:]))
	})
	_ = o.Set("exec_params", func(call goja.FunctionCall) goja.Value {
		return b.dbExec(call, exportArgs(call.Arguments[2:]))
	})
	_ = o.Set("escape", func(call goja.FunctionCall) goja.Value {
		conn := b.lookupConn(call.Argument(0).ToInteger())
		s, err := dbpool.Escape(conn, call.Argument(1).String())
		if err != nil {
			return b.tuple(nil, err)
		}
		return b.tuple(s, nil)
	})
	return o
}

func exportArgs(args []goja.Value) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Export()
	}
	return out
}

func (b *Binder) lookupConn(id int64) *dbpool.Conn {
	conn, ok := b.lookupHandle(id).(*dbpool.Conn)
	if !ok {
		b.throw(ErrInvalidHandle.Error())
	}
	return conn
}

func (b *Binder) dbQuery(call goja.FunctionCall, params []any) goja.Value {
	f := b.currentFiber()
	conn := b.lookupConn(call.Argument(0).ToInteger())
	rows, err := dbpool.QueryParams(f, conn, call.Argument(1).String(), params)
	if err != nil {
		return b.tuple(nil, err)
	}
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = map[string]any(r)
	}
	return b.tuple(out, nil)
}

func (b *Binder) dbExec(call goja.FunctionCall, params []any) goja.Value {
	f := b.currentFiber()
	conn := b.lookupConn(call.Argument(0).ToInteger())
	res, err := dbpool.ExecParams(f, conn, call.Argument(1).String(), params)
	if err != nil {
		return b.tuple(nil, err)
	}
	return b.tuple(map[string]any{
		"affected":       res.Affected,
		"last_insert_id": res.LastInsertID,
	}, nil)
}

// --- httpc --------------------------------------------------------------

func (b *Binder) httpcModule() *goja.Object {
	o := b.vm.NewObject()
	_ = o.Set("request", func(call goja.FunctionCall) goja.Value {
		f := b.currentFiber()
		opts, err := b.parseRequestOptions(call.Argument(0))
		if err != nil {
			return b.tuple(nil, err)
		}
		resp, err := httpsclient.Request(f, b.root, opts)
		if err != nil {
			return b.tuple(nil, err)
		}
		headers := make([]any, len(resp.Headers))
		for i, h := range resp.Headers {
			headers[i] = []any{h[0], h[1]}
		}
		return b.tuple(map[string]any{
			"status":        resp.Status,
			"body":          byteString(resp.Body),
			"headers":       headers,
			"effective_url": resp.EffectiveURL,
		}, nil)
	})
	return o
}

// parseRequestOptions lowers a script options object onto
// httpsclient.Options, starting from the environment-seeded defaults.
func (b *Binder) parseRequestOptions(v goja.Value) (httpsclient.Options, error) {
	opts := httpsclient.DefaultOptions()
	opts.AllowFile = b.cfg.AllowFileURLs

	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return opts, errors.New("request requires an options object")
	}
	obj := v.ToObject(b.vm)

	getInt := func(key string, dst *int) {
		if val := obj.Get(key); val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
			*dst = int(val.ToInteger())
		}
	}
	getInt64 := func(key string, dst *int64) {
		if val := obj.Get(key); val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
			*dst = val.ToInteger()
		}
	}
	getBool := func(key string, dst *bool) {
		if val := obj.Get(key); val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
			*dst = val.ToBoolean()
		}
	}

	if val := obj.Get("url"); val != nil && !goja.IsUndefined(val) {
		opts.URL = val.String()
	}
	if val := obj.Get("method"); val != nil && !goja.IsUndefined(val) {
		opts.Method = val.String()
	}
	if val := obj.Get("body"); val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		opts.Body = stringBytes(val.String())
	}
	getInt("timeout_ms", &opts.TimeoutMS)
	getInt("connect_timeout_ms", &opts.ConnectTimeoutMS)
	getInt64("max_body_bytes", &opts.MaxBodyBytes)
	getInt64("max_header_bytes", &opts.MaxHeaderBytes)
	getInt("max_header_lines", &opts.MaxHeaderLines)
	getBool("follow_redirects", &opts.FollowRedirects)
	getInt("max_redirects", &opts.MaxRedirects)
	getInt64("low_speed_limit", &opts.LowSpeedLimit)
	getInt("low_speed_window_ms", &opts.LowSpeedWindowMS)
	getBool("insecure", &opts.Insecure)

	if val := obj.Get("headers"); val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		headers, err := parseHeaders(val)
		if err != nil {
			return opts, err
		}
		opts.Headers = headers
	}
	return opts, nil
}

// parseHeaders accepts either a {name: value} map or a list of
// [name, value] pairs.
func parseHeaders(v goja.Value) ([][2]string, error) {
	switch exported := v.Export().(type) {
	case map[string]any:
		out := make([][2]string, 0, len(exported))
		for k, val := range exported {
			out = append(out, [2]string{k, fmt.Sprintf("%v", val)})
		}
		return out, nil
	case []any:
		out := make([][2]string, 0, len(exported))
		for _, entry := range exported {
			pair, ok := entry.([]any)
			if !ok || len(pair) != 2 {
				return nil, errors.New("headers list entries must be [name, value] pairs")
			}
			out = append(out, [2]string{fmt.Sprintf("%v", pair[0]), fmt.Sprintf("%v", pair[1])})
		}
		return out, nil
	default:
		return nil, errors.New("headers must be a map or a list of pairs")
	}
}

// --- paxe ---------------------------------------------------------------

func (b *Binder) paxeModule() *goja.Object {
	p := b.cfg.Paxe
	o := b.vm.NewObject()
	_ = o.Set("init", func(call goja.FunctionCall) goja.Value {
		p.SetEnabled(true)
		return goja.Undefined()
	})
	_ = o.Set("shutdown", func(call goja.FunctionCall) goja.Value {
		p.Shutdown()
		return goja.Undefined()
	})
	_ = o.Set("set_enabled", func(call goja.FunctionCall) goja.Value {
		p.SetEnabled(call.Argument(0).ToBoolean())
		return goja.Undefined()
	})
	_ = o.Set("is_enabled", func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(p.IsEnabled())
	})
	_ = o.Set("keystore_set", func(call goja.FunctionCall) goja.Value {
		id := uint32(call.Argument(0).ToInteger())
		key := stringBytes(call.Argument(1).String())
		return b.tuple(nil, p.KeystoreSet(id, key))
	})
	_ = o.Set("keystore_clear", func(call goja.FunctionCall) goja.Value {
		p.KeystoreClear()
		return goja.Undefined()
	})
	_ = o.Set("set_fail_policy", func(call goja.FunctionCall) goja.Value {
		switch call.Argument(0).String() {
		case "DROP":
			p.SetFailPolicy(paxe.PolicyDrop)
		case "LOG_ONCE":
			p.SetFailPolicy(paxe.PolicyLogOnce)
		case "VERBOSE":
			p.SetFailPolicy(paxe.PolicyVerbose)
		default:
			return b.tuple(nil, fmt.Errorf("unknown fail policy %q", call.Argument(0).String()))
		}
		return b.tuple(nil, nil)
	})
	_ = o.Set("encrypt", func(call goja.FunctionCall) goja.Value {
		id := uint32(call.Argument(0).ToInteger())
		packet, err := p.Encrypt(id, stringBytes(call.Argument(1).String()))
		if err != nil {
			return b.tuple(nil, err)
		}
		return b.tuple(byteString(packet), nil)
	})
	_ = o.Set("try_decrypt", func(call goja.FunctionCall) goja.Value {
		buf := stringBytes(call.Argument(0).String())
		n, keyID, flags := p.TryDecrypt(buf)
		if n < 0 {
			return b.vm.ToValue([]any{nil})
		}
		return b.vm.ToValue([]any{byteString(buf[:n]), keyID, int(flags)})
	})
	_ = o.Set("stats", func(call goja.FunctionCall) goja.Value {
		s := p.Snapshot()
		return b.vm.ToValue(map[string]any{
			"total":            s.Total,
			"ok":               s.OK,
			"short":            s.Short,
			"length_mismatch":  s.LengthMismatch,
			"no_key":           s.NoKey,
			"auth_fail":        s.AuthFail,
			"reserved_nonzero": s.ReservedNonzero,
		})
	})
	return o
}
