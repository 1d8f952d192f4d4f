package impl

import "strings"

func splitWords(s string) []string {
	return strings.Fields(s)
}

func joinWords(ws []string) string {
	return strings.Join(ws, " ")
}

// chunkWords windows a word list into overlapping chunks: each chunk holds
// size words and consecutive chunks share overlap words. The final partial
// window is kept so no trailing text is lost.
func chunkWords(words []string, size, overlap int) []string {
	if size <= 0 {
		size = 25
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 2
	}
	if len(words) == 0 {
		return nil
	}
	step := size - overlap
	var out []string
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		out = append(out, joinWords(words[start:end]))
		if end == len(words) {
			break
		}
	}
	return out
}
