// ============================================================================
// Barrier Collector Pool - 並發收集器
// ============================================================================
//
// Package: internal/computenode
// 文件: pool.go
// 功能: 以固定數量的 goroutine 模擬 actor 處理 barrier，並回報完成結果
//
//	┌──────────────┐
//	│ control loop │ --Submit(task)--> taskCh
//	└──────────────┘
//	        ↑
//	 ReceiveResult()
//	        ↑
//	┌──────────────┐
//	│  Pool        │
//	│  collector 1 │←── taskCh
//	│  collector 2 │←── taskCh   ──→ resultCh
//	└──────────────┘
//
// 生命週期:
//  1. NewPool(buffer)
//  2. Start(n) 啟動 n 個 collector
//  3. Submit(task) / ReceiveResult()
//  4. Stop() 關閉 taskCh，等待 collector 結束後關閉 resultCh
//
// 每個 task 是一個 barrier 在一個 partial graph 的收集工作。collector 等待
// task.Delay 模擬 actor 把 barrier 傳到下游，再把回應放進 resultCh。
//
// ============================================================================

package computenode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

var (
	// ErrPoolClosed 表示 Pool 已關閉
	ErrPoolClosed = errors.New("computenode: collector pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("computenode: collector pool not started")
	// ErrPoolStarted 表示重複啟動
	ErrPoolStarted = errors.New("computenode: collector pool already started")
)

// Task 是一次 barrier 收集
type Task struct {
	Response *types.BarrierCompleteResponse
	Delay    time.Duration
	Timeout  time.Duration
}

// Result 是收集結果
type Result struct {
	Response *types.BarrierCompleteResponse
	Err      error
	Duration time.Duration
}

// Pool 管理多個 collector goroutine
type Pool struct {
	collectors int
	taskCh     chan Task
	resultCh   chan Result
	stopCh     chan struct{}
	wg         sync.WaitGroup
	started    bool
	stopped    bool
	mu         sync.Mutex
	// sendMu is held for reading by senders, Stop takes it before closing taskCh
	sendMu sync.RWMutex
}

// NewPool 建立新的 Pool，bufferSize 為任務與結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動 n 個 collector
func (p *Pool) Start(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.collect()
		}()
	}
	p.collectors = n
	p.started = true
	return nil
}

// Submit 提交任務；Stop 之後回傳 ErrPoolClosed
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolClosed
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 讀取下一個結果；Stop 後仍會交出排空中的結果，直到通道關閉
func (p *Pool) ReceiveResult() (Result, error) {
	r, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return r, nil
}

// Results 直接暴露結果通道，Stop 後關閉
func (p *Pool) Results() <-chan Result { return p.resultCh }

// Stop 優雅關閉：不再接受任務，等待 collector 完成手上的任務。
// 呼叫者必須持續讀取結果直到通道關閉。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// Size 返回 collector 數量
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collectors
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Pool) collect() {
	for task := range p.taskCh {
		start := time.Now()
		timeout := task.Timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := wait(ctx, task.Delay)
		cancel()

		p.resultCh <- Result{Response: task.Response, Err: err, Duration: time.Since(start)}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
