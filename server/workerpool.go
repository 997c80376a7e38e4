package server

import (
	"sync/atomic"
)

// workerGroup 会话记账组。组本身不持有队列，只统计在途会话数，
// 供最少活跃选择使用；会话实际跑在各自的协程里。
type workerGroup struct {
	id     int
	active atomic.Int64
}

// WorkerPool 会话调度池：新会话按最少活跃组分配，
// 关闭负载均衡时退化为轮转分配。
type WorkerPool struct {
	groups   []*workerGroup
	next     atomic.Uint64
	balanced bool
}

func NewWorkerPool(workers int, balanced bool) *WorkerPool {
	if workers <= 0 {
		workers = 8
	}
	groups := make([]*workerGroup, workers)
	for i := range groups {
		groups[i] = &workerGroup{id: i}
	}
	return &WorkerPool{groups: groups, balanced: balanced}
}

// Submit 提交一个会话任务。task 阻塞运行至会话结束。
func (p *WorkerPool) Submit(task func()) {
	g := p.pick()
	g.active.Add(1)
	go func() {
		defer g.active.Add(-1)
		task()
	}()
}

func (p *WorkerPool) pick() *workerGroup {
	if !p.balanced {
		return p.groups[p.next.Add(1)%uint64(len(p.groups))]
	}
	best := p.groups[0]
	min := best.active.Load()
	for _, g := range p.groups[1:] {
		if n := g.active.Load(); n < min {
			best, min = g, n
		}
	}
	return best
}

// Loads 各组在途会话数快照（管理接口用）
func (p *WorkerPool) Loads() []int64 {
	out := make([]int64, len(p.groups))
	for i, g := range p.groups {
		out[i] = g.active.Load()
	}
	return out
}
