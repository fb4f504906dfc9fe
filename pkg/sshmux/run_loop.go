package sshmux

import (
	"sync"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Executor is the cooperative scheduling surface a Multiplexer runs on. All
// multiplexer and child-channel state is confined to the executor: tasks
// submitted to it run one at a time, in FIFO order, to completion.
//
// Submit may be called from any goroutine, including from a task already
// running on the executor (the task is queued, not run reentrantly).
// SubmitAfter is the deferred-action primitive; the delay is best-effort.
type Executor interface {
	Submit(task func())
	SubmitAfter(d time.Duration, task func())
}

// RunLoop is the provided Executor implementation: a single goroutine
// draining an unbounded FIFO task queue. Shutdown is managed with the
// asyncobj lifecycle; tasks submitted after shutdown begins are dropped.
type RunLoop struct {
	*asyncobj.Helper

	qLock  sync.Mutex
	queue  []func()
	wakeCh chan struct{}
	doneCh chan struct{}
	stop   bool
}

// NewRunLoop creates and starts a RunLoop.
func NewRunLoop(lg logger.Logger) *RunLoop {
	rl := &RunLoop{
		wakeCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
	rl.Helper = asyncobj.NewHelper(lg.ForkLogStr("<RunLoop>"), rl)
	rl.SetIsActivated()
	go rl.run()
	return rl
}

// Submit enqueues task for execution on the loop goroutine.
func (rl *RunLoop) Submit(task func()) {
	rl.qLock.Lock()
	if rl.stop {
		rl.qLock.Unlock()
		rl.DLogf("Submit after shutdown; task dropped")
		return
	}
	rl.queue = append(rl.queue, task)
	rl.qLock.Unlock()
	select {
	case rl.wakeCh <- struct{}{}:
	default:
	}
}

// SubmitAfter enqueues task for execution on the loop goroutine after at
// least d has elapsed.
func (rl *RunLoop) SubmitAfter(d time.Duration, task func()) {
	time.AfterFunc(d, func() { rl.Submit(task) })
}

// SubmitAndWait runs task on the loop goroutine and blocks until it has
// completed. It must not be called from the loop goroutine itself. If the
// loop has shut down the task does not run and SubmitAndWait returns
// immediately.
func (rl *RunLoop) SubmitAndWait(task func()) {
	ranCh := make(chan struct{})
	rl.Submit(func() {
		defer close(ranCh)
		task()
	})
	select {
	case <-ranCh:
	case <-rl.doneCh:
	}
}

func (rl *RunLoop) run() {
	for {
		rl.qLock.Lock()
		var batch []func()
		batch, rl.queue = rl.queue, nil
		stopped := rl.stop
		rl.qLock.Unlock()
		for _, task := range batch {
			task()
		}
		if stopped && len(batch) == 0 {
			close(rl.doneCh)
			return
		}
		if len(batch) == 0 {
			<-rl.wakeCh
		}
	}
}

// HandleOnceShutdown stops accepting tasks, lets the already-queued tail
// drain, and waits for the loop goroutine to exit.
func (rl *RunLoop) HandleOnceShutdown(completionErr error) error {
	rl.qLock.Lock()
	rl.stop = true
	rl.qLock.Unlock()
	select {
	case rl.wakeCh <- struct{}{}:
	default:
	}
	<-rl.doneCh
	return completionErr
}
