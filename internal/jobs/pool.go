package jobs

import (
	"context"
	"log"
	"sync"
)

// Pool はプロセス内で変換タスクの同時実行数を上限 W に制限する
// ワーカープールです。キューはプロセスローカルかつ無制限で、
// 投入順（FIFO）に実行されます。受付制御（ID重複排除など）は
// Manager 側の責務であり、この層では行いません。
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	workers int
	wg      sync.WaitGroup
	logger  *log.Logger
}

// NewPool は W 個のワーカーを起動したプールを返します。
func NewPool(workers int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &Pool{
		workers: workers,
		logger:  logger,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	return p
}

// Workers は設定された同時実行上限を返します。
func (p *Pool) Workers() int {
	return p.workers
}

// Submit はタスクをキューに追加して即座に戻ります。完了は待ちません。
// シャットダウン後は ErrPoolClosed を返します。
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// Shutdown は新規投入の受付を止め、キュー済み・実行中のタスクが
// すべて完了するまで待ちます。ctx の期限で打ち切った場合でも
// ワーカー自体は残りのタスクを実行し切ります。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(id, task)
	}
}

// run はタスクを1件実行します。panic は握りつぶしてログに残し、
// 他のキュー済み・実行中タスクには影響させません。
func (p *Pool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("worker %d: task panicked: %v", id, r)
		}
	}()
	task()
}
