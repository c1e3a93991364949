// Package interrupt runs registered shutdown callbacks, in reverse order of
// registration, when the process receives SIGINT/SIGTERM or a programmatic
// shutdown request.
package interrupt

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/Hubmakerlabs/federatr/pkg/slog"
)

var log, _ = slog.New(os.Stderr)

type handler struct {
	source string
	fn     func()
}

var (
	mx        sync.Mutex
	handlers  []handler
	requested atomic.Bool
	started   sync.Once
	signals   = make(chan os.Signal, 1)
	shutdown  = make(chan struct{})
	closeOnce sync.Once

	// HandlersDone is closed after all handlers have run.
	HandlersDone = make(chan struct{})
)

func listen() {
	select {
	case sig := <-signals:
		log.I.Ln("received signal", sig)
	case <-shutdown:
		log.I.Ln("received shutdown request")
	}
	requested.Store(true)
	mx.Lock()
	hs := make([]handler, len(handlers))
	copy(hs, handlers)
	mx.Unlock()
	for i := len(hs) - 1; i >= 0; i-- {
		log.D.Ln("running shutdown handler", hs[i].source)
		hs[i].fn()
	}
	close(HandlersDone)
}

// AddHandler registers fn to run on shutdown.
func AddHandler(fn func()) {
	_, file, line, _ := runtime.Caller(1)
	src := fmt.Sprintf("%s:%d", file, line)
	started.Do(func() {
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		go listen()
	})
	mx.Lock()
	handlers = append(handlers, handler{src, fn})
	mx.Unlock()
	log.T.Ln("shutdown handler added by", src)
}

// Request programmatically requests a shutdown.
func Request() {
	closeOnce.Do(func() { close(shutdown) })
}

// Requested reports whether shutdown has begun.
func Requested() bool { return requested.Load() }
