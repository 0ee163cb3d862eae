package convert

import (
	"context"
	"os"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PDFConverter は pdfcpu による既定の Converter 実装です。
// 入力PDFを検証し、ページ数とサイズからなる構造化結果を生成します。
type PDFConverter struct {
	now func() time.Time
}

// NewPDFConverter は PDFConverter を作成します。
func NewPDFConverter() *PDFConverter {
	return &PDFConverter{now: time.Now}
}

// Convert は入力ファイルを変換します。
func (c *PDFConverter) Convert(ctx context.Context, input Input) (*Result, error) {
	if input.Path == "" {
		return nil, newError(CodeInvalidInput, "入力ファイルのパスが指定されていません。", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(input.Path)
	if err != nil {
		return nil, newError(CodeInvalidInput, "入力ファイルを読み取れませんでした。", err)
	}

	if err := pdfapi.ValidateFile(input.Path, nil); err != nil {
		return nil, newError(CodeUnsupportedFile, "PDFとして解釈できないファイルです。", err)
	}

	pages, err := pdfapi.PageCountFile(input.Path)
	if err != nil {
		return nil, newError(CodeConversionFailed, "ページ数の取得に失敗しました。", err)
	}

	return &Result{
		Filename:    input.Filename,
		Pages:       pages,
		SizeBytes:   info.Size(),
		ConvertedAt: c.now().UTC(),
	}, nil
}
