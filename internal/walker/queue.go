package walker

import "sync"

// dirQueue is the explicit work queue of pending directories. It closes
// itself once it is empty and no worker is still listing a directory, since
// only an active worker can push more work.
type dirQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []dirTask
	active int
	closed bool
}

func newDirQueue() *dirQueue {
	q := &dirQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *dirQueue) push(t dirTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.tasks = append(q.tasks, t)
	q.cond.Signal()
}

// pop blocks until a task is available. It returns false once the walk is
// complete or cancelled. Tasks are taken LIFO so the queue stays shallow.
func (q *dirQueue) pop() (dirTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.tasks) == 0 && !q.closed {
		if q.active == 0 {
			q.closeLocked()
			break
		}
		q.cond.Wait()
	}
	if q.closed {
		return dirTask{}, false
	}
	last := len(q.tasks) - 1
	t := q.tasks[last]
	q.tasks[last] = dirTask{}
	q.tasks = q.tasks[:last]
	q.active++
	return t, true
}

func (q *dirQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	if q.active == 0 && len(q.tasks) == 0 {
		q.closeLocked()
	}
}

func (q *dirQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
}

func (q *dirQueue) closeLocked() {
	if !q.closed {
		q.closed = true
		q.tasks = nil
		q.cond.Broadcast()
	}
}
