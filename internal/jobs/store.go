// Package jobs は非同期変換ジョブの投入・実行・状態管理を提供します。
package jobs

import "context"

// Mutator は Update の中で1件のレコードに状態遷移を適用します。
// エラーを返した場合、更新は行われずそのエラーがそのまま返されます。
type Mutator func(*Record) error

// Store はジョブIDからレコードへの永続マッピングです。
// APIサーバーは複数プロセスで動作しうるため、実装は read-modify-write を
// プロセス間でアトミックに行う必要があります。ロックを保持したまま
// 変換処理のような長時間の作業を行ってはいけません。
type Store interface {
	// Create はレコードを新規挿入します。同じIDが既に存在する場合は
	// ErrConflict を返します。複数プロセスから同時に呼ばれても
	// 成功するのは1つだけです。
	Create(ctx context.Context, record *Record) error

	// Get は現在のレコードを返します。存在しない場合は ErrNotFound です。
	Get(ctx context.Context, id string) (*Record, error)

	// Update は読み出し・変更・書き戻しを1つのアトミックな操作として
	// 実行し、更新後のレコードを返します。
	Update(ctx context.Context, id string, mutate Mutator) (*Record, error)

	// Delete はレコードを削除します。存在しない場合は ErrNotFound です。
	// 自動削除は行わない方針のため、呼び出しは運用操作に限られます。
	Delete(ctx context.Context, id string) error

	// List は全レコードのスナップショットを返します。順序は保証しません。
	List(ctx context.Context) ([]*Record, error)

	Close() error
}
