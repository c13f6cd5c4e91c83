package render

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// PDFRenderer extracts text with the poppler pdftotext CLI in layout mode.
// Form feeds become blank lines; PDFs never yield tables.
type PDFRenderer struct {
	binPath string
}

// NewPDFRenderer creates a PDF renderer. binPath defaults to "pdftotext".
func NewPDFRenderer(binPath string) *PDFRenderer {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PDFRenderer{binPath: binPath}
}

func (p *PDFRenderer) Format() Format { return FormatPDF }

// Render pipes data through pdftotext ("-" reads stdin and writes stdout).
func (p *PDFRenderer) Render(ctx context.Context, data []byte) (*Document, error) {
	log := zap.L().With(zap.String("component", "render.pdf"))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", "-enc", "UTF-8", "-", "-")
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Debug("pdftotext failed", zap.String("stderr", stderr.String()), zap.Error(err))
		return nil, eris.Wrapf(err, "pdf: pdftotext: %s", stderr.String())
	}
	return renderPlain(FormatPDF, toUTF8(stdout.Bytes())), nil
}
