// Package storage はジョブ入力ファイルのスプール置き場を提供します。
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local はローカルファイルシステム上のスプールディレクトリです。
// ジョブごとに root/<id>/ を割り当て、実行完了後に丸ごと破棄します。
type Local struct {
	root string
}

// NewLocal はルートディレクトリを作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: root}, nil
}

// Root はルートディレクトリのパスを返します。
func (l *Local) Root() string {
	return l.root
}

// Dir はスプールID用のディレクトリパスを返します。
func (l *Local) Dir(id string) string {
	return filepath.Join(l.root, id)
}

// Save は r の内容を root/<id>/<name> に保存し、パスとサイズを返します。
func (l *Local) Save(id, name string, r io.Reader) (string, int64, error) {
	dir := l.Dir(id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, fmt.Errorf("create spool dir: %w", err)
	}

	// パス区切りを含むアップロード名からの脱出を防ぐ
	path := filepath.Join(dir, filepath.Base(name))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("create spool file: %w", err)
	}
	defer file.Close()

	size, err := io.Copy(file, r)
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("write spool file: %w", err)
	}
	return path, size, nil
}

// Remove はスプールIDのディレクトリを削除します。
func (l *Local) Remove(id string) error {
	return os.RemoveAll(l.Dir(id))
}
