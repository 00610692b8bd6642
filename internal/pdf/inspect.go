// Package pdf inspects PDF files: page counting, structural validation, and
// the page-count sanity check run on translated outputs.
package pdf

import (
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"pdftranslate-server/internal/logger"
)

func init() {
	// keep pdfcpu from writing a config.yml into the user's config dir
	model.ConfigPath = "disable"
}

// PDFErrorCode 错误代码枚举
type PDFErrorCode string

const (
	ErrPDFNotFound PDFErrorCode = "PDF_NOT_FOUND"
	ErrPDFInvalid  PDFErrorCode = "PDF_INVALID"
	ErrPDFEmpty    PDFErrorCode = "PDF_EMPTY"
)

// PDFError PDF 处理错误
type PDFError struct {
	Code    PDFErrorCode `json:"code"`
	Message string       `json:"message"`
	Path    string       `json:"path,omitempty"`
	Cause   error        `json:"-"`
}

// Error implements the error interface for PDFError
func (e *PDFError) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause of the error
func (e *PDFError) Unwrap() error {
	return e.Cause
}

// NewPDFError creates a new PDFError
func NewPDFError(code PDFErrorCode, message, path string, cause error) *PDFError {
	return &PDFError{Code: code, Message: message, Path: path, Cause: cause}
}

// PageCountResult 页数检测结果
type PageCountResult struct {
	OriginalPages   int     `json:"original_pages"`
	TranslatedPages int     `json:"translated_pages"`
	Difference      int     `json:"difference"`   // original - translated
	DiffPercent     float64 `json:"diff_percent"` // relative to original
	IsSuspicious    bool    `json:"is_suspicious"`
}

// PageCountThreshold 页数差异阈值（15%）
const PageCountThreshold = 0.15

// Inspector reads PDF metadata.
type Inspector struct {
	conf *model.Configuration
}

// NewInspector creates an Inspector with pdfcpu's default (relaxed) validation.
func NewInspector() *Inspector {
	return &Inspector{conf: model.NewDefaultConfiguration()}
}

// PageCount returns the number of pages in path.
func (i *Inspector) PageCount(path string) (n int, err error) {
	if _, err := os.Stat(path); err != nil {
		return 0, NewPDFError(ErrPDFNotFound, "PDF file not found", path, err)
	}

	// ledongthuc/pdf panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, NewPDFError(ErrPDFInvalid, "cannot read PDF file", path, fmt.Errorf("%v", r))
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, NewPDFError(ErrPDFInvalid, "cannot open PDF file", path, err)
	}
	defer f.Close()

	return r.NumPage(), nil
}

// Validate checks the structure of path.
func (i *Inspector) Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return NewPDFError(ErrPDFNotFound, "PDF file not found", path, err)
	}
	if info.Size() == 0 {
		return NewPDFError(ErrPDFEmpty, "PDF file is empty", path, nil)
	}
	if err := api.ValidateFile(path, i.conf); err != nil {
		return NewPDFError(ErrPDFInvalid, "invalid PDF structure", path, err)
	}
	return nil
}

// CheckPageCountDifference compares the page counts of an input and its
// translation. A translation losing more than PageCountThreshold of the
// pages is flagged as suspicious.
func (i *Inspector) CheckPageCountDifference(originalPath, translatedPath string) (*PageCountResult, error) {
	originalPages, err := i.PageCount(originalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get original PDF page count: %w", err)
	}
	translatedPages, err := i.PageCount(translatedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get translated PDF page count: %w", err)
	}

	result := &PageCountResult{
		OriginalPages:   originalPages,
		TranslatedPages: translatedPages,
		Difference:      originalPages - translatedPages,
	}
	if originalPages > 0 {
		result.DiffPercent = float64(result.Difference) / float64(originalPages)
	}
	result.IsSuspicious = result.DiffPercent > PageCountThreshold

	if result.IsSuspicious {
		logger.Warn("suspicious page count difference detected",
			logger.String("translated", translatedPath),
			logger.Int("originalPages", originalPages),
			logger.Int("translatedPages", translatedPages),
			logger.Float64("diffPercent", result.DiffPercent*100))
	}
	return result, nil
}

// FormatPageCountWarning renders a result for logs and messages.
func FormatPageCountWarning(result *PageCountResult) string {
	return fmt.Sprintf("translated page count (%d) is %.1f%% below the original (%d), over the %.0f%% threshold",
		result.TranslatedPages, result.DiffPercent*100, result.OriginalPages, PageCountThreshold*100)
}
