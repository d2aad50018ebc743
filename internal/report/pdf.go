package report

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/signintech/gopdf"
)

// Common font locations, in preference order.
var fontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

// RenderPDF renders a generated report for download. The PDF is a flat
// rendering of the report payload; it never re-interprets medical content.
func RenderPDF(rep *Report) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	var fontErr error
	fontLoaded := false
	for _, path := range fontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			fontLoaded = true
			break
		} else {
			fontErr = err
		}
	}
	if !fontLoaded {
		return nil, errors.Wrap(fontErr, "loading PDF font (is ttf-dejavu installed?)")
	}

	if err := pdf.SetFont("DejaVu", "", 20); err != nil {
		return nil, err
	}
	pdf.Cell(nil, "Medical Assessment Report")
	pdf.Br(30)

	if err := pdf.SetFont("DejaVu", "", 11); err != nil {
		return nil, err
	}
	pdf.Cell(nil, fmt.Sprintf("Report ID: %s", rep.ID))
	pdf.Br(14)
	pdf.Cell(nil, fmt.Sprintf("Generated: %s", rep.GeneratedAt.Format("02 Jan 2006 15:04 MST")))
	pdf.Br(22)

	sections := []struct {
		title string
		data  map[string]any
	}{
		{"Patient Summary", rep.Payload.PatientSummary},
		{"Triage Assessment", rep.Payload.TriageAssessment},
		{"Recommendations", rep.Payload.Recommendations},
	}

	for _, section := range sections {
		if len(section.data) == 0 {
			continue
		}
		if err := writeSection(&pdf, section.title, section.data); err != nil {
			return nil, err
		}
	}

	if rep.Payload.Disclaimer != "" {
		if err := pdf.SetFont("DejaVu", "", 9); err != nil {
			return nil, err
		}
		writeWrapped(&pdf, rep.Payload.Disclaimer, 10)
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "writing PDF")
	}
	return buf.Bytes(), nil
}

func writeSection(pdf *gopdf.GoPdf, title string, data map[string]any) error {
	if err := pdf.SetFont("DejaVu", "", 14); err != nil {
		return err
	}
	pdf.Cell(nil, title)
	pdf.Br(16)

	if err := pdf.SetFont("DejaVu", "", 11); err != nil {
		return err
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		writeWrapped(pdf, fmt.Sprintf("- %s: %s", k, formatValue(data[k])), 12)
	}
	pdf.Br(10)
	return nil
}

func writeWrapped(pdf *gopdf.GoPdf, text string, lineHeight float64) {
	lines, _ := pdf.SplitText(text, 500)
	for _, l := range lines {
		pdf.Cell(nil, l)
		pdf.Br(lineHeight)
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case []any:
		out := ""
		for i, item := range val {
			if i > 0 {
				out += "; "
			}
			out += fmt.Sprint(item)
		}
		return out
	default:
		return fmt.Sprint(val)
	}
}
