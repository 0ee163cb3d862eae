package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/docling-api/internal/convert"
)

// Processor は変換の実行と入力スプールの後始末を提供します。
// convert.Service が実装します。
type Processor interface {
	Process(ctx context.Context, input convert.Input) (*convert.Result, error)
	Discard(input convert.Input) error
}

// SubmitResult は非同期投入の応答です。Conflict が true の場合、
// 同じIDのジョブが既に存在し、新しい処理は予約されていません。
type SubmitResult struct {
	JobID    string `json:"jobId"`
	Conflict bool   `json:"conflict,omitempty"`
}

// Manager はジョブの投入と状態管理の唯一の入口です。
// 状態機械（submitted → started → finished | failed）を所有し、
// 変換失敗をプロセス障害に波及させずに終端状態へ写します。
type Manager struct {
	store        Store
	pool         *Pool
	processor    Processor
	deploymentID string
	logger       *log.Logger
	now          func() time.Time

	// ストアの一時的な失敗に対する有限リトライ
	retryAttempts int
	retryBackoff  time.Duration
}

// NewManager は Manager を作成します。
func NewManager(store Store, pool *Pool, processor Processor, deploymentID string, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if pool == nil {
		return nil, errors.New("pool is nil")
	}
	if processor == nil {
		return nil, errors.New("processor is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		store:         store,
		pool:          pool,
		processor:     processor,
		deploymentID:  deploymentID,
		logger:        logger,
		now:           time.Now,
		retryAttempts: 3,
		retryBackoff:  50 * time.Millisecond,
	}, nil
}

// Submit はジョブを登録してワーカープールに渡し、即座に戻ります。
// jobID が空の場合は新しいIDを割り当てます。同じIDが既に存在する場合は
// 新しい処理を予約せず Conflict 付きで既存IDを返します。
func (m *Manager) Submit(ctx context.Context, input convert.Input, jobID string) (*SubmitResult, error) {
	if jobID != "" {
		_, err := m.store.Get(ctx, jobID)
		if err == nil {
			return &SubmitResult{JobID: jobID, Conflict: true}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("check existing job: %w", err)
		}
	}

	id := jobID
	if id == "" {
		id = uuid.NewString()
	}

	now := m.now().UTC()
	record := &Record{
		ID:           id,
		Status:       StatusSubmitted,
		Filename:     input.Filename,
		InputPath:    input.Path,
		SubmittedAt:  now,
		DeploymentID: m.deploymentID,
	}
	record.AppendLog(now, fmt.Sprintf("job submitted (pid %d)", os.Getpid()))

	err := m.withRetry(ctx, func() error {
		return m.store.Create(ctx, record)
	})
	if errors.Is(err, ErrConflict) {
		// 他プロセスとの登録競争に負けた。既存ジョブへ収束する。
		return &SubmitResult{JobID: id, Conflict: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := m.pool.Submit(func() { m.execute(id, input) }); err != nil {
		m.markFailed(context.Background(), id, "SHUTDOWN", "worker pool is shut down")
		return nil, err
	}

	return &SubmitResult{JobID: id}, nil
}

// Status はジョブの現在のレコードを返します。
func (m *Manager) Status(ctx context.Context, id string) (*Record, error) {
	return m.store.Get(ctx, id)
}

// List は全ジョブのスナップショットを返します。
func (m *Manager) List(ctx context.Context) ([]*Record, error) {
	return m.store.List(ctx)
}

// Prune は終端状態のまま olderThan より古くなったレコードを削除します。
// 自動では呼ばれません。運用者の操作としてのみ実行されます。
func (m *Manager) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().UTC().Add(-olderThan)
	pruned := 0
	for _, record := range records {
		if !record.Status.Terminal() || record.FinishedAt == nil {
			continue
		}
		if record.FinishedAt.After(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, record.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// execute はワーカープール上で1件のジョブを実行します。
// 変換の失敗はここで捕捉して終端状態に写し、決して外へ逃しません。
func (m *Manager) execute(id string, input convert.Input) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			m.markFailed(ctx, id, "PANIC", fmt.Sprintf("conversion panicked: %v", r))
		}
		// 入力スプールはジョブの所有物であり、実行完了後は不要になる
		if err := m.processor.Discard(input); err != nil {
			m.logger.Printf("job %s: discard input: %v", id, err)
		}
	}()

	err := m.updateWithRetry(ctx, id, func(record *Record) error {
		if record.Status != StatusSubmitted {
			return fmt.Errorf("invalid transition %s -> %s", record.Status, StatusStarted)
		}
		now := m.now().UTC()
		record.Status = StatusStarted
		record.StartedAt = &now
		record.WorkerPID = os.Getpid()
		record.AppendLog(now, fmt.Sprintf("conversion started (pid %d)", os.Getpid()))
		return nil
	})
	if err != nil {
		m.logger.Printf("job %s: mark started: %v", id, err)
		return
	}

	result, convErr := m.processor.Process(ctx, input)
	if convErr != nil {
		kind := "CONVERSION_FAILED"
		var cerr *convert.Error
		if errors.As(convErr, &cerr) {
			kind = cerr.Code
		}
		m.markFailed(ctx, id, kind, convErr.Error())
		return
	}

	err = m.updateWithRetry(ctx, id, func(record *Record) error {
		if record.Status != StatusStarted {
			return fmt.Errorf("invalid transition %s -> %s", record.Status, StatusFinished)
		}
		now := m.now().UTC()
		record.Status = StatusFinished
		record.FinishedAt = &now
		record.Result = result
		record.AppendLog(now, "conversion finished")
		return nil
	})
	if err != nil {
		m.logger.Printf("job %s: mark finished: %v", id, err)
	}
}

func (m *Manager) markFailed(ctx context.Context, id, kind, message string) {
	err := m.updateWithRetry(ctx, id, func(record *Record) error {
		if record.Status.Terminal() {
			return fmt.Errorf("invalid transition %s -> %s", record.Status, StatusFailed)
		}
		now := m.now().UTC()
		record.Status = StatusFailed
		record.FinishedAt = &now
		record.Error = &ErrorInfo{Kind: kind, Message: message}
		record.AppendLog(now, "conversion failed: "+message)
		return nil
	})
	if err != nil {
		m.logger.Printf("job %s: mark failed: %v", id, err)
	}
}

func (m *Manager) updateWithRetry(ctx context.Context, id string, mutate Mutator) error {
	return m.withRetry(ctx, func() error {
		_, err := m.store.Update(ctx, id, mutate)
		return err
	})
}

// withRetry は StoreError に限って有限回リトライします。
// ErrConflict / ErrNotFound や遷移違反はそのまま返します。
func (m *Manager) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < m.retryAttempts; attempt++ {
		err = op()
		var serr *StoreError
		if err == nil || !errors.As(err, &serr) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(m.retryBackoff):
		}
	}
	return err
}
