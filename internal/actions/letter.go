package actions

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/voxwire/voxwire/internal/click2mail"
)

// renderLetter lays out a plain-text letter on US Letter pages. The address
// block sits where a #10 double-window envelope exposes it.
func renderLetter(addr click2mail.Address, body string) ([]byte, int, error) {
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetMargins(72, 72, 72)
	pdf.SetAutoPageBreak(true, 72)
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 11)

	pdf.SetY(130)
	for _, line := range addressLines(addr) {
		pdf.CellFormat(0, 14, line, "", 1, "L", false, 0, "")
	}

	pdf.SetY(260)
	for _, paragraph := range strings.Split(body, "\n") {
		if strings.TrimSpace(paragraph) == "" {
			pdf.Ln(14)
			continue
		}
		pdf.MultiCell(0, 14, paragraph, "", "L", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, 0, fmt.Errorf("actions: render pdf: %w", err)
	}
	return buf.Bytes(), pdf.PageCount(), nil
}

func addressLines(addr click2mail.Address) []string {
	lines := make([]string, 0, 4)
	if addr.Name != "" {
		lines = append(lines, addr.Name)
	}
	lines = append(lines, addr.Line1)
	if addr.Line2 != "" {
		lines = append(lines, addr.Line2)
	}
	lines = append(lines, fmt.Sprintf("%s, %s %s", addr.City, addr.State, addr.Zip))
	return lines
}
