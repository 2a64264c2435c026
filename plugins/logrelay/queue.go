package logrelay

import (
	"iter"
	"sync"

	"relaybot/pkg/tgui"
)

// queue is a FIFO of formatted lines with a single-flight drain marker.
//
// active is true from the push that observed an idle queue until the drain
// releases or abandons it. At most one drain runs per queue.
type queue struct {
	mu     sync.Mutex
	lines  []string
	active bool
}

// push appends line and reports whether the caller must spawn a drain.
func (q *queue) push(line string) (spawn bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lines = append(q.lines, line)
	if q.active {
		return false
	}
	q.active = true
	return true
}

func (q *queue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.lines) == 0 {
		return "", false
	}
	line := q.lines[0]
	q.lines[0] = ""
	q.lines = q.lines[1:]
	if len(q.lines) == 0 {
		q.lines = nil
	}
	return line, true
}

// release ends a drain pass. It returns true, keeping the queue active, if
// lines arrived after the pass saw it empty.
func (q *queue) release() (more bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.lines) > 0 {
		return true
	}
	q.active = false
	return false
}

// abandon marks the queue idle and keeps whatever is left, so the next push
// spawns a fresh drain.
func (q *queue) abandon() {
	q.mu.Lock()
	q.active = false
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lines)
}

func (q *queue) busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// items pops lazily until the queue is empty.
func (q *queue) items() iter.Seq[tgui.Item] {
	return func(yield func(tgui.Item) bool) {
		for {
			line, ok := q.pop()
			if !ok {
				return
			}
			if !yield(tgui.Item{Text: line, Language: "log", Filename: "log.txt"}) {
				return
			}
		}
	}
}
