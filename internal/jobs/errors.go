package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict は同じIDのジョブが既に存在する場合に返されます。
	ErrConflict = errors.New("job already exists")
	// ErrNotFound は指定されたIDのジョブが存在しない場合に返されます。
	ErrNotFound = errors.New("job not found")
	// ErrPoolClosed はシャットダウン後のプールへの投入で返されます。
	ErrPoolClosed = errors.New("worker pool is closed")
)

// StoreError はストアの読み書きが完了できなかったことを表します。
// ロック競合やI/O障害など一時的な失敗を含むため、呼び出し側は
// 有限回のリトライ対象として扱えます。
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("job store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}
