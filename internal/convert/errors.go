package convert

import "fmt"

// エラーコード。HTTP層でステータスコードへ対応付けられます。
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeUnsupportedFile  = "UNSUPPORTED_FILE"
	CodeConversionFailed = "CONVERSION_FAILED"
)

// Error は変換処理の失敗をコード付きで表します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
