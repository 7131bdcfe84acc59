package storage

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

var (
	boldMarkers   = regexp.MustCompile(`\*\*|__`)
	italicMarkers = regexp.MustCompile(`(^|\s)\*([^*]+)\*(\s|$)`)
	inlineCode    = regexp.MustCompile("`([^`]+)`")
	inlineLink    = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]+\)`)
	citationMark  = regexp.MustCompile(`⟨\d+⟩`)
	numberedItem  = regexp.MustCompile(`^\d+\.\s`)
)

// RenderPDF lays markdown out as an A4 document. Headings, lists, code blocks and
// paragraphs are styled; images are not embedded.
func RenderPDF(markdown, title, sourceURL string) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	if title != "" {
		pdf.SetFont("Helvetica", "B", 18)
		pdf.MultiCell(0, 8, tr(title), "", "L", false)
		pdf.Ln(4)
	}
	if sourceURL != "" {
		pdf.SetFont("Helvetica", "I", 9)
		pdf.SetTextColor(100, 100, 100)
		pdf.MultiCell(0, 5, tr("Source: "+sourceURL), "", "L", false)
		pdf.SetTextColor(0, 0, 0)
		pdf.Ln(6)
	}

	inCode := false
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			inCode = !inCode
			pdf.Ln(2)
			continue
		}
		if inCode {
			pdf.SetFont("Courier", "", 9)
			pdf.SetFillColor(245, 245, 245)
			pdf.MultiCell(0, 4.5, tr(line), "", "L", true)
			continue
		}

		switch {
		case trimmed == "":
			pdf.Ln(3)
		case strings.HasPrefix(trimmed, "#"):
			level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			writeHeading(pdf, tr(plainText(strings.TrimLeft(trimmed, "# "))), level)
		case strings.HasPrefix(trimmed, "- "), strings.HasPrefix(trimmed, "* "):
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, 5, tr("• "+plainText(trimmed[2:])), "", "L", false)
		case numberedItem.MatchString(trimmed):
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, 5, tr(plainText(trimmed)), "", "L", false)
		default:
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, 5, tr(plainText(line)), "", "L", false)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeHeading(pdf *gofpdf.Fpdf, text string, level int) {
	sizes := map[int]float64{1: 18, 2: 15, 3: 13, 4: 12, 5: 11}
	size, ok := sizes[level]
	if !ok {
		size = 10
	}
	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", size)
	pdf.MultiCell(0, size*0.6, text, "", "L", false)
	pdf.Ln(2)
}

// plainText strips inline markdown formatting
func plainText(s string) string {
	s = boldMarkers.ReplaceAllString(s, "")
	s = italicMarkers.ReplaceAllString(s, "$1$2$3")
	s = inlineCode.ReplaceAllString(s, "$1")
	s = inlineLink.ReplaceAllString(s, "$1")
	s = citationMark.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
