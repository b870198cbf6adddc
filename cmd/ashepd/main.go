// Command ashepd is the composition root for the autonomous coding-agent
// orchestrator: it loads configuration, wires every engine (Worker, Monitor,
// Cleanup) to its concrete backends, runs the Validator once at startup, and
// supervises the engines under one root context until an interrupt arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"
)

func main() {
	var (
		configDirF = flag.String("config-dir", "./config", "directory containing config.yaml, policies.yaml, agents.yaml")
		dataDirF   = flag.String("data-dir", "./data", "directory for the run log database, append log, and archives")
		dbDriverF  = flag.String("db-driver", "sqlite3", "run log index driver (sqlite3 or postgres)")
		dbDSNF     = flag.String("db-dsn", "", "run log index DSN (defaults to <data-dir>/runs.db for sqlite3)")
		softModeF  = flag.Bool("soft-validate", false, "log validator defects instead of refusing to start")
		dbgF       = flag.Bool("debug", false, "enable debug-level logs")
	)
	var agentBinariesF agentBinaries
	flag.Var(&agentBinariesF, "agent-binary", "agentID=path[:arg,arg,...] of a coding-agent subprocess binary (repeatable); omit to run the in-memory fake gateway")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := os.MkdirAll(*dataDirF, 0o755); err != nil {
		log.Fatal(ctx, fmt.Errorf("create data dir: %w", err))
	}

	app, err := wire(ctx, wireOptions{
		configDir: *configDirF,
		dataDir:   *dataDirF,
		dbDriver:  *dbDriverF,
		dbDSN:     *dbDSNF,
		softMode:  *softModeF,
		agents:    agentBinariesF.binaries,
	})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("wire: %w", err))
	}
	defer app.Close(ctx)

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.worker.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- fmt.Errorf("worker engine: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.monitor.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- fmt.Errorf("monitor engine: %w", err)
		}
	}()

	if app.cleanup != nil {
		app.cleanup.Start()
	}

	log.Printf(ctx, "ashepd: up (worker + monitor running, data-dir=%s)", *dataDirF)
	log.Printf(ctx, "exiting (%v)", <-errc)

	cancel()
	drain(ctx, &wg, app.gracePeriod)
	log.Printf(ctx, "exited")
}

// drain waits for wg. If grace elapses first it logs that and keeps waiting
// for wg. The Gateway interface has no "list active sessions" operation to
// hard-kill against on a blown grace window, so exceeding it is only
// logged, per the composition root's
// documented limitation (DESIGN.md).
func drain(ctx context.Context, wg *sync.WaitGroup, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if grace <= 0 {
		grace = 10 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		log.Print(ctx, log.KV{K: "msg", V: "shutdown grace period elapsed with engines still draining"})
		<-done
	}
}
