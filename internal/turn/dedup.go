package turn

import "strings"

// NormalizeOutput cleans the assembled assistant text before it is
// committed and echoed in the done frame. Some providers re-emit the
// same body twice within one response; normalization drops consecutive
// duplicate paragraphs and folds a full half-duplication. The function
// is idempotent.
func NormalizeOutput(text string) string {
	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return strings.TrimSpace(text)
	}

	// Drop consecutive exact duplicates under whitespace normalization.
	kept := paragraphs[:0]
	var prev string
	for i, p := range paragraphs {
		key := foldSpace(p)
		if i > 0 && key == prev {
			continue
		}
		kept = append(kept, p)
		prev = key
	}

	// An even sequence whose first half equals its second half is one
	// body emitted twice.
	if n := len(kept); n > 0 && n%2 == 0 {
		half := n / 2
		same := true
		for i := 0; i < half; i++ {
			if foldSpace(kept[i]) != foldSpace(kept[half+i]) {
				same = false
				break
			}
		}
		if same {
			kept = kept[:half]
		}
	}

	return strings.Join(kept, "\n\n")
}

func splitParagraphs(text string) []string {
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			out = append(out, block)
		}
	}
	return out
}

func foldSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
