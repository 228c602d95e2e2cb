package shutdown

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"gopkg.in/inconshreveable/log15.v2"
)

var h = newHandler()

type handler struct {
	active atomic.Value
	mtx    sync.Mutex
	stack  []func()
	log    log15.Logger
}

func newHandler() *handler {
	h := &handler{log: log15.New("component", "shutdown")}
	h.active.Store(false)
	go h.wait()
	return h
}

// SetLogger replaces the logger used when exiting with an error.
func SetLogger(l log15.Logger) {
	h.mtx.Lock()
	h.log = l
	h.mtx.Unlock()
}

func IsActive() bool {
	return h.active.Load().(bool)
}

// BeforeExit registers f to run during shutdown. Functions run in reverse
// registration order, so resources are released inside-out.
func BeforeExit(f func()) {
	h.mtx.Lock()
	h.stack = append(h.stack, f)
	h.mtx.Unlock()
}

func Exit() {
	h.exit(nil, 0, recover())
}

func ExitWithCode(code int) {
	h.exit(nil, code, recover())
}

func Fatal(v ...interface{}) {
	h.exit(errors.New(fmt.Sprint(v...)), 1, recover())
}

func Fatalf(format string, v ...interface{}) {
	h.exit(fmt.Errorf(format, v...), 1, recover())
}

func (h *handler) wait() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, os.Signal(syscall.SIGTERM))
	<-ch
	h.exit(nil, 0, nil)
}

func (h *handler) exit(err error, code int, serious interface{}) {
	h.mtx.Lock()
	h.active.Store(true)
	for i := len(h.stack) - 1; i >= 0; i-- {
		h.stack[i]()
	}
	if serious != nil {
		panic(serious)
	}
	if err != nil {
		h.log.Crit(err.Error())
	}
	os.Exit(code)
}
