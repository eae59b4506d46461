package server

import "sync"

// Queue 多生产者/单消费者的无界队列：生产者从不等待消费者，
// 消费者整批取走（保持入队顺序）。
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push 入队并唤醒消费者
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain 取走当前全部元素
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	out := q.items
	q.items = nil
	q.mu.Unlock()
	return out
}

// Ready 有新元素时可读（可能有多余唤醒）
func (q *Queue[T]) Ready() <-chan struct{} { return q.ready }

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
