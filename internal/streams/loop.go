package streams

import (
	"sync"
	"time"
)

const mailboxSize = 64

// loop runs closures one at a time on a single goroutine. All controller
// state is owned by that goroutine; helper callbacks and timers post into it.
type loop struct {
	mailbox chan func()
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newLoop() *loop {
	l := &loop{
		mailbox: make(chan func(), mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.mailbox:
			fn()
		case <-l.quit:
			return
		}
	}
}

// post queues fn. It returns false once the loop is closed.
// Never call post from the loop goroutine with a full mailbox.
func (l *loop) post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.mailbox <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
// It returns false if the loop closed first.
func (l *loop) call(fn func()) bool {
	finished := make(chan struct{})
	if !l.post(func() {
		fn()
		close(finished)
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.quit:
		return false
	}
}

// schedule runs fn on the loop after d unless the returned timer is cancelled first.
func (l *loop) schedule(d time.Duration, fn func()) *timer {
	t := &timer{}
	t.t = time.AfterFunc(d, func() {
		l.post(func() {
			if t.cancelled {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

// close stops the loop and waits for the running closure to return.
func (l *loop) close() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}

// timer is a cancellable loop timer. Its flags are only touched on the loop goroutine.
type timer struct {
	t         *time.Timer
	cancelled bool
	fired     bool
}

// cancel prevents fn from running, even if the timer already expired and fn is queued.
func (t *timer) cancel() {
	if t == nil {
		return
	}
	t.cancelled = true
	t.t.Stop()
}

// pending reports whether the timer is armed and has neither fired nor been cancelled.
func (t *timer) pending() bool {
	return t != nil && !t.cancelled && !t.fired
}
