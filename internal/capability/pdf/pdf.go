// Package pdf is the PDF-generation capability module: the
// require("pdf") surface granted to scripts holding the "pdf"
// permission (spec §4.D protected modules). The spec specifies this
// capability only at its interface, out of scope for a concrete
// rendering engine — this package defines that interface and a minimal
// concrete Generator producing a single-page text PDF, enough to
// exercise permission gating without a real layout engine.
package pdf

import (
	"bytes"
	"fmt"
)

// Generator is the interface a script sees via require("pdf").
type Generator interface {
	// Generate renders lines of plain text onto a single page and
	// returns the raw PDF bytes.
	Generate(title string, lines []string) ([]byte, error)
}

// textGenerator emits a minimal, valid single-page PDF containing the
// given lines as left-aligned text. It exists to make the capability
// contract testable, not to replace a real PDF engine.
type textGenerator struct{}

func New() Generator { return &textGenerator{} }

func (g *textGenerator) Generate(title string, lines []string) ([]byte, error) {
	var content bytes.Buffer
	content.WriteString("BT /F1 12 Tf 72 750 Td\n")
	fmt.Fprintf(&content, "(%s) Tj 0 -20 Td\n", escape(title))
	for _, line := range lines {
		fmt.Fprintf(&content, "(%s) Tj 0 -16 Td\n", escape(line))
	}
	content.WriteString("ET")

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, 0, 5)

	objects := []string{
		"1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj\n",
		"2 0 obj << /Type /Pages /Kids [3 0 R] /Count 1 >> endobj\n",
		"3 0 obj << /Type /Page /Parent 2 0 R /Resources << /Font << /F1 4 0 R >> >> /MediaBox [0 0 612 792] /Contents 5 0 R >> endobj\n",
		"4 0 obj << /Type /Font /Subtype /Type1 /BaseFont /Helvetica >> endobj\n",
		fmt.Sprintf("5 0 obj << /Length %d >> stream\n%s\nendstream endobj\n", content.Len(), content.String()),
	}
	for _, obj := range objects {
		offsets = append(offsets, buf.Len())
		buf.WriteString(obj)
	}

	xrefStart := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer << /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF", len(objects)+1, xrefStart)

	return buf.Bytes(), nil
}

func escape(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '(' || r == ')' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
