// lunet-run executes a script file on the Lunet runtime: it initializes
// the diagnostic allocator, builds the root state and its event loop,
// installs the script-visible module surface, runs the script's top level
// (which is expected to call spawn), keeps the loop running until every
// fiber has completed, then prints the diagnostic summary and exits with
// the script-settable exit code.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/lunetrt/lunet/dbpool/sqlitedriver"
	"github.com/lunetrt/lunet/internal/diagalloc"
	"github.com/lunetrt/lunet/paxe"
	"github.com/lunetrt/lunet/runtime"
	"github.com/lunetrt/lunet/script"
	"github.com/lunetrt/lunet/signal"
)

const (
	envAllocPolicy  = "LUNET_ALLOC_POLICY"
	envGraphliteLib = "LUNET_GRAPHLITE_LIB"
	envLeakBudget   = "LUNET_LEAK_BUDGET"
	envThreadpool   = "UV_THREADPOOL_SIZE"
)

func main() {
	os.Exit(run())
}

func run() int {
	skipLoopback := flag.Bool("dangerously-skip-loopback-restriction", false,
		"allow listeners and datagram sockets to bind non-loopback addresses")
	allowFileURLs := flag.Bool("allow-file-urls", false,
		"admit file:// URLs in httpc.request")
	verbose := flag.Bool("v", false, "debug-level logging")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: lunet-run [flags] <script>")
		return 2
	}
	scriptPath := flag.Arg(0)

	src, err := os.ReadFile(scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lunet-run: %v\n", err)
		return 2
	}

	policy := allocPolicy()
	level := logiface.LevelInformational
	if *verbose {
		level = logiface.LevelDebug
	}
	root, err := runtime.New(
		runtime.WithAllocPolicy(policy),
		runtime.WithLogLevel(level),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lunet-run: %v\n", err)
		return 2
	}

	logEnvironment(root)

	binder, err := script.Install(root, script.Config{
		AllowNonLoopback: *skipLoopback,
		AllowFileURLs:    *allowFileURLs,
		Signals:          signal.NewRegistry(root),
		Paxe:             paxe.New(root.Log),
		DB:               sqlitedriver.New(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lunet-run: %v\n", err)
		return 2
	}

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = root.Bridge.Run(loopCtx)
	}()

	// The top level runs to completion here under the execution token, so
	// no fiber can touch the engine until it finishes; any lasting work it
	// wants must go through spawn.
	var topErr error
	root.Fibers.Exclusive(func() {
		_, topErr = root.VM.RunScript(scriptPath, string(src))
	})
	if topErr != nil {
		root.Log.Err().Err(topErr).Log("script top level failed")
		cancelLoop()
		<-loopDone
		_ = root.Bridge.Close()
		return 1
	}

	waitIdle(root)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	_ = root.Bridge.Shutdown(shutdownCtx)
	cancelShutdown()
	cancelLoop()
	<-loopDone
	_ = root.Bridge.Close()

	return finish(root, binder)
}

// waitIdle blocks until no fiber is live: every spawned task has returned
// or faulted, so no completion callback can still want the script state.
func waitIdle(root *runtime.Root) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if root.Fibers.Live() == 0 {
			return
		}
	}
}

// finish prints the diagnostic summary and derives the exit code: the
// script's exitCode global when set, or a diagnostic failure (134) when,
// outside the release policy, the anchor counters did not balance, or the
// allocator did not balance with more bytes in use than the configured
// leak budget.
func finish(root *runtime.Root, binder *script.Binder) int {
	summary := root.Summarize()
	root.Log.Info().
		Int64("allocs", summary.Alloc.AllocCount).
		Int64("frees", summary.Alloc.FreeCount).
		Int64("bytes_in_use", summary.Alloc.InUse).
		Int64("bytes_peak", summary.Alloc.Peak).
		Int64("anchors_created", summary.AnchorsCreated).
		Int64("anchors_released", summary.AnchorsReleased).
		Int("open_handles", binder.OpenHandles()).
		Log("shutdown summary")

	exitCode := 0
	if v := root.VM.Get("exitCode"); v != nil {
		exitCode = int(v.ToInteger())
	}

	if root.Alloc.Policy() != diagalloc.PolicyRelease {
		budget := int64(0)
		if raw := os.Getenv(envLeakBudget); raw != "" {
			if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
				budget = parsed
			}
		}
		if summary.AnchorsCreated != summary.AnchorsReleased {
			fmt.Fprintf(os.Stderr, "lunet-run: anchor imbalance: created=%d released=%d\n",
				summary.AnchorsCreated, summary.AnchorsReleased)
			return 134
		}
		if err := root.Alloc.CheckBalance(); err != nil && summary.Alloc.InUse > budget {
			fmt.Fprintf(os.Stderr, "lunet-run: %v\n", err)
			return 134
		}
	}
	return exitCode
}

func allocPolicy() diagalloc.Policy {
	switch os.Getenv(envAllocPolicy) {
	case "release":
		return diagalloc.PolicyRelease
	case "arena":
		return diagalloc.PolicyArena
	default:
		return diagalloc.PolicyTrace
	}
}

// logEnvironment reports the optional environment knobs so a run's
// configuration is reconstructible from its log.
func logEnvironment(root *runtime.Root) {
	if lib := os.Getenv(envGraphliteLib); lib != "" {
		if _, err := os.Stat(lib); err != nil {
			root.Log.Warning().Str("path", lib).Err(err).
				Log("graph database library path is not readable")
		} else {
			root.Log.Info().Str("path", lib).
				Log("graph database library present but no driver is active in this build")
		}
	}
	if size := os.Getenv(envThreadpool); size != "" {
		// Offloaded work runs one goroutine per outstanding request, so
		// the knob is informational rather than a hard pool bound.
		root.Log.Info().Str("size", size).Log("thread pool size hint")
	}
}
