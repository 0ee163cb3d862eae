// Package convert はドキュメント変換とアップロード受け入れを提供します。
// 変換アルゴリズム本体は Converter インターフェースの背後に隠し、
// ジョブ管理側からは「ファイル → 構造化結果 or 失敗」の純粋な
// 協調コンポーネントとして扱います。
package convert

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Input は変換対象の入力ファイルへの参照です。
// SpoolID が空でない場合、Path はこのサービスが管理するスプール上にあり、
// 実行完了後に Discard で破棄できます。
type Input struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	SpoolID  string `json:"-"`
}

// Result は変換成功時の構造化ペイロードです。
type Result struct {
	Filename    string    `json:"filename"`
	Pages       int       `json:"pages"`
	SizeBytes   int64     `json:"sizeBytes"`
	ConvertedAt time.Time `json:"convertedAt"`
}

// Converter はドキュメント変換の協調コンポーネントです。
// 実装は入力ごとの失敗を *Error として返します。内部でのリトライや
// フォールバックは実装の自由であり、呼び出し側からは1回の試行に見えます。
type Converter interface {
	Convert(ctx context.Context, input Input) (*Result, error)
}

// Spool はアップロードされたファイルの保存先です。
type Spool interface {
	Save(id, name string, r io.Reader) (string, int64, error)
	Remove(id string) error
}

// Service はアップロードの受け入れ・検証・スプールと変換実行をまとめます。
type Service struct {
	spool       Spool
	converter   Converter
	maxFileSize int64
	now         func() time.Time
}

// NewService は Service を作成します。maxFileSize が 0 以下の場合は
// サイズ制限を行いません。
func NewService(spool Spool, converter Converter, maxFileSize int64) *Service {
	return &Service{
		spool:       spool,
		converter:   converter,
		maxFileSize: maxFileSize,
		now:         time.Now,
	}
}

// SpoolUpload はアップロードファイルを検証してスプールに保存します。
func (s *Service) SpoolUpload(ctx context.Context, fh *multipart.FileHeader) (Input, error) {
	if fh == nil {
		return Input{}, newError(CodeInvalidInput, "PDFファイルを選択してください。", nil)
	}
	if s.maxFileSize > 0 && fh.Size > s.maxFileSize {
		return Input{}, newError(CodeInvalidInput,
			fmt.Sprintf("ファイルサイズが上限（%dバイト）を超えています。", s.maxFileSize), nil)
	}
	if err := ctx.Err(); err != nil {
		return Input{}, err
	}

	src, err := fh.Open()
	if err != nil {
		return Input{}, newError(CodeInvalidInput, "アップロードファイルを開けませんでした。", err)
	}
	defer src.Close()

	return s.spoolStream(fh.Filename, src)
}

// SpoolFile は既存ファイルをコピーしてスプールに取り込みます。
// ウォームアップのフィクスチャ投入に使用します。
func (s *Service) SpoolFile(ctx context.Context, path string) (Input, error) {
	if err := ctx.Err(); err != nil {
		return Input{}, err
	}
	src, err := os.Open(path)
	if err != nil {
		return Input{}, newError(CodeInvalidInput, "入力ファイルを開けませんでした。", err)
	}
	defer src.Close()

	return s.spoolStream(filepath.Base(path), src)
}

func (s *Service) spoolStream(name string, src io.Reader) (Input, error) {
	spoolID := uuid.NewString()
	path, _, err := s.spool.Save(spoolID, name, src)
	if err != nil {
		return Input{}, newError(CodeInvalidInput, "ファイルの保存に失敗しました。", err)
	}

	// 拡張子ではなく内容でPDFかどうかを判定する
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		_ = s.spool.Remove(spoolID)
		return Input{}, newError(CodeInvalidInput, "ファイル形式の判定に失敗しました。", err)
	}
	if !mtype.Is("application/pdf") {
		_ = s.spool.Remove(spoolID)
		return Input{}, newError(CodeUnsupportedFile,
			fmt.Sprintf("PDFファイルのみ受け付けます（received: %s）。", mtype.String()), nil)
	}

	return Input{Filename: name, Path: path, SpoolID: spoolID}, nil
}

// Process は入力を変換します。jobs.Processor の実装です。
func (s *Service) Process(ctx context.Context, input Input) (*Result, error) {
	return s.converter.Convert(ctx, input)
}

// Discard はスプール上の入力を破棄します。スプール管理外の入力は
// 何もしません。
func (s *Service) Discard(input Input) error {
	if input.SpoolID == "" {
		return nil
	}
	return s.spool.Remove(input.SpoolID)
}

// ConvertUpload は同期変換パスです。スプール・変換・破棄を一度に行い、
// ジョブレコードは作成しません。
func (s *Service) ConvertUpload(ctx context.Context, fh *multipart.FileHeader) (*Result, error) {
	input, err := s.SpoolUpload(ctx, fh)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Discard(input) }()

	return s.Process(ctx, input)
}
