// Package warmup は起動時セルフテストとトラフィック開放の判定を提供します。
// 各プロセスが起動時に一度だけ実行し、同期・非同期両方の変換経路が
// 機能することを確認できるまでトラフィックを受け付けません。
package warmup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/docling-api/internal/convert"
	"github.com/yourusername/docling-api/internal/jobs"
)

// State はウォームアップの進行状態を表します。
type State string

const (
	StateNotStarted State = "not_started"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Pipeline は同期変換経路です。convert.Service が実装します。
type Pipeline interface {
	Process(ctx context.Context, input convert.Input) (*convert.Result, error)
	SpoolFile(ctx context.Context, path string) (convert.Input, error)
}

// Queue は非同期変換経路です。jobs.Manager が実装します。
type Queue interface {
	Submit(ctx context.Context, input convert.Input, jobID string) (*jobs.SubmitResult, error)
	Status(ctx context.Context, id string) (*jobs.Record, error)
}

// FixtureResult はフィクスチャ1件の処理結果です。
type FixtureResult struct {
	File       string    `json:"file"`
	Path       string    `json:"path"` // "sync" または "async"
	FinishedAt time.Time `json:"finishedAt"`
}

// Snapshot は現在のウォームアップ状態のコピーです。
type Snapshot struct {
	Ready           bool            `json:"ready"`
	State           State           `json:"state"`
	Results         []FixtureResult `json:"results,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
	DurationSeconds float64         `json:"durationSeconds,omitempty"`
}

// Coordinator はウォームアップを1回実行し、プロセス全体の
// readiness フラグを保持します。プロセス間では共有されません。
type Coordinator struct {
	pipeline Pipeline
	queue    Queue
	dir      string
	timeout  time.Duration
	logger   *log.Logger

	pollInterval time.Duration

	ready atomic.Bool

	mu       sync.Mutex
	state    State
	results  []FixtureResult
	errMsg   string
	started  *time.Time
	finished *time.Time
}

// NewCoordinator は Coordinator を作成します。
func NewCoordinator(pipeline Pipeline, queue Queue, fixtureDir string, timeout time.Duration, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		pipeline:     pipeline,
		queue:        queue,
		dir:          fixtureDir,
		timeout:      timeout,
		logger:       logger,
		pollInterval: 250 * time.Millisecond,
		state:        StateNotStarted,
	}
}

// Ready は readiness フラグを返します。Run の成功後のみ true です。
func (c *Coordinator) Ready() bool {
	return c.ready.Load()
}

// Status は現在の状態のスナップショットを返します。
func (c *Coordinator) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Ready:      c.ready.Load(),
		State:      c.state,
		Results:    append([]FixtureResult(nil), c.results...),
		Error:      c.errMsg,
		StartedAt:  c.started,
		FinishedAt: c.finished,
	}
	if c.started != nil && c.finished != nil {
		snap.DurationSeconds = c.finished.Sub(*c.started).Seconds()
	}
	return snap
}

// Skip はウォームアップを実行せず readiness を立てます。
// ウォームアップを無効化した開発構成専用です。
func (c *Coordinator) Skip() {
	c.mu.Lock()
	c.state = StateCompleted
	c.mu.Unlock()
	c.ready.Store(true)
}

// Run はウォームアップを実行します。フィクスチャ1件の同期変換と、
// 2件の非同期投入・終端状態までのポーリングを設定されたタイムアウト内に
// 完了できなければエラーを返します。失敗した場合、このプロセスは
// トラフィックを受け付けてはいけません。
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateInProgress {
		c.mu.Unlock()
		return errors.New("warmup already in progress")
	}
	now := time.Now().UTC()
	c.state = StateInProgress
	c.started = &now
	c.results = nil
	c.errMsg = ""
	c.mu.Unlock()

	err := c.run(ctx)

	c.mu.Lock()
	end := time.Now().UTC()
	c.finished = &end
	if err != nil {
		c.state = StateFailed
		c.errMsg = err.Error()
	} else {
		c.state = StateCompleted
	}
	c.mu.Unlock()

	if err == nil {
		c.ready.Store(true)
		c.logger.Printf("warmup completed in %s", end.Sub(now))
	}
	return err
}

func (c *Coordinator) run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fixtures, err := c.fixtureFiles()
	if err != nil {
		return err
	}
	if len(fixtures) == 0 {
		return fmt.Errorf("no warmup fixtures in %s", c.dir)
	}

	// 同期経路: 先頭のフィクスチャを1件変換する
	syncFixture := fixtures[0]
	if _, err := c.pipeline.Process(ctx, convert.Input{
		Filename: filepath.Base(syncFixture),
		Path:     syncFixture,
	}); err != nil {
		return fmt.Errorf("sync warmup conversion failed: %w", err)
	}
	c.record(syncFixture, "sync")

	// 非同期経路: 2件をキュー経由で投入して終端状態まで待つ
	asyncFixtures := []string{fixtures[0], fixtures[len(fixtures)-1]}
	ids := make([]string, 0, len(asyncFixtures))
	for _, fixture := range asyncFixtures {
		input, err := c.pipeline.SpoolFile(ctx, fixture)
		if err != nil {
			return fmt.Errorf("spool warmup fixture %s: %w", filepath.Base(fixture), err)
		}
		res, err := c.queue.Submit(ctx, input, "")
		if err != nil {
			return fmt.Errorf("submit warmup fixture %s: %w", filepath.Base(fixture), err)
		}
		ids = append(ids, res.JobID)
	}

	if err := c.awaitTerminal(ctx, ids); err != nil {
		return err
	}
	for _, fixture := range asyncFixtures {
		c.record(fixture, "async")
	}
	return nil
}

func (c *Coordinator) awaitTerminal(ctx context.Context, ids []string) error {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("async warmup jobs did not finish in time: %w", ctx.Err())
		case <-ticker.C:
		}

		for id := range pending {
			record, err := c.queue.Status(ctx, id)
			if err != nil {
				return fmt.Errorf("poll warmup job %s: %w", id, err)
			}
			switch record.Status {
			case jobs.StatusFinished:
				delete(pending, id)
			case jobs.StatusFailed:
				message := "unknown error"
				if record.Error != nil {
					message = record.Error.Message
				}
				return fmt.Errorf("warmup job %s failed: %s", id, message)
			}
		}
	}
	return nil
}

func (c *Coordinator) fixtureFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.pdf"))
	if err != nil {
		return nil, fmt.Errorf("list warmup fixtures: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

func (c *Coordinator) record(fixture, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, FixtureResult{
		File:       filepath.Base(fixture),
		Path:       path,
		FinishedAt: time.Now().UTC(),
	})
}
