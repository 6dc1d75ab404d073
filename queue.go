package screenagent

import "sync"

// TaskQueue 是调度器持有的 FIFO 任务队列：插入顺序即派发顺序。
// Concurrent enqueues serialize so the total order is well-defined; a task is
// removed atomically with its dispatch and never handed out twice.
type TaskQueue struct {
	mu    sync.Mutex
	tasks []Task
}

// NewTaskQueue returns an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Enqueue appends a task to the tail.
func (q *TaskQueue) Enqueue(task Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
}

// DispatchNext removes and returns the head task. The second return is false
// when no tasks remain; an empty queue is an expected condition, not an error.
func (q *TaskQueue) DispatchNext() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return Task{}, false
	}
	head := q.tasks[0]
	q.tasks = q.tasks[1:]
	return head, true
}

// Len reports the current backlog depth.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
