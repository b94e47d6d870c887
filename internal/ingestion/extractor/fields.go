package extractor

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/yungbote/gazette-ingest/internal/normalization"
)

var (
	// "مناقصة رقم: 2025/2024/12", "ممارسة رقم 5-2025", "Tender No. RFP-123"
	businessKeyRe = regexp.MustCompile(`(?i)(?:رقم|no\.?|number)\s*[:：]?\s*\(?\s*([A-Za-z]{0,6}[\-/]?\d[\dA-Za-z\-/]{0,30})`)
	// "آخر موعد لتقديم العطاءات 2025/12/20" and the like.
	deadlineRe = regexp.MustCompile(`(?:آخر\s+موعد|الموعد\s+النهائي|موعد\s+الإقفال|تاريخ\s+الإقفال|closing\s+date)[^\n\d]{0,40}(\d{1,4}\s*[/\-.]\s*\d{1,2}\s*[/\-.]\s*\d{1,4})`)
	priceRe    = regexp.MustCompile(`(?:ثمن|قيمة|سعر)\s+(?:الوثائق|المستندات|النسخة)[^\n\d]{0,30}(\d[\d,.]*\s*(?:د\.?ك|دينار(?:\s+كويتي)?|KD)?)`)
)

// GuessFields lifts what it can from plain OCR text. Every value it returns is
// a substring of text (after digit folding), so it always survives the
// hallucination check.
func GuessFields(text string) Fields {
	var f Fields
	folded := normalization.FoldDigits(text)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "#*|-_ "))
		if line == "" {
			continue
		}
		if n := utf8.RuneCountInString(line); n >= 5 && n <= 150 {
			f.Entity = line
		}
		break
	}
	if m := businessKeyRe.FindStringSubmatch(folded); m != nil {
		f.BusinessKey = strings.Trim(m[1], "-/")
	}
	if m := deadlineRe.FindStringSubmatch(folded); m != nil {
		f.DeadlineText = strings.Join(strings.Fields(m[1]), "")
	}
	if m := priceRe.FindStringSubmatch(folded); m != nil {
		f.DocumentPrice = strings.TrimSpace(m[1])
	}
	return f
}
