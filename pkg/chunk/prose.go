// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package chunk

import "strings"

// paragraph is one blank-line separated unit with its 1-indexed line range.
type paragraph struct {
	text      string
	startLine int
	endLine   int
}

// rawChunk is a chunk before the overlap prefix is applied.
type rawChunk struct {
	content   string
	startLine int
	endLine   int
}

// splitProse packs paragraphs into chunks near the target size, breaking
// inside a paragraph at sentence boundaries only when the paragraph alone
// exceeds the maximum. Every chunk after the first is prefixed with the
// tail of its predecessor; the line range always describes the chunk's
// own content, not the repeated prefix.
func splitProse(text, lang string) []Chunk {
	paras := collectParagraphs(text)
	if len(paras) == 0 {
		return nil
	}

	var (
		raw   []rawChunk
		sb    strings.Builder
		start int
		end   int
	)
	flush := func() {
		if sb.Len() == 0 {
			return
		}
		raw = append(raw, rawChunk{content: sb.String(), startLine: start, endLine: end})
		sb.Reset()
	}

	for _, p := range paras {
		if len(p.text) > MaxChunkChars {
			flush()
			raw = append(raw, splitParagraph(p)...)
			continue
		}
		if sb.Len() > 0 && sb.Len()+2+len(p.text) > MaxChunkChars {
			flush()
		}
		if sb.Len() == 0 {
			start = p.startLine
		} else {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p.text)
		end = p.endLine
		if sb.Len() >= TargetChunkChars {
			flush()
		}
	}
	flush()

	// A dangling undersized tail reads better merged into its neighbor.
	if n := len(raw); n > 1 && len(raw[n-1].content) < MinChunkChars {
		prev := &raw[n-2]
		if len(prev.content)+2+len(raw[n-1].content) <= MaxChunkChars {
			prev.content += "\n\n" + raw[n-1].content
			prev.endLine = raw[n-1].endLine
			raw = raw[:n-1]
		}
	}

	chunks := make([]Chunk, 0, len(raw))
	for i, rc := range raw {
		content := rc.content
		if i > 0 {
			if tail := overlapTail(raw[i-1].content); tail != "" {
				content = tail + "\n" + content
			}
		}
		chunks = append(chunks, Chunk{
			Content:   content,
			StartLine: rc.startLine,
			EndLine:   rc.endLine,
			Lang:      lang,
		})
	}
	return chunks
}

func collectParagraphs(text string) []paragraph {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var (
		paras []paragraph
		cur   []string
		first int
	)
	flush := func(last int) {
		if len(cur) == 0 {
			return
		}
		paras = append(paras, paragraph{
			text:      strings.TrimRight(strings.Join(cur, "\n"), " \t"),
			startLine: first,
			endLine:   last,
		})
		cur = nil
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush(i)
			continue
		}
		if len(cur) == 0 {
			first = i + 1
		}
		cur = append(cur, line)
	}
	flush(len(lines))
	return paras
}

// splitParagraph breaks one oversized paragraph at sentence boundaries,
// packing sentences back together up to the target size.
func splitParagraph(p paragraph) []rawChunk {
	sentences := splitSentences(p.text)

	var (
		out    []rawChunk
		sb     strings.Builder
		cursor = p.startLine
		start  = p.startLine
	)
	flush := func() {
		if sb.Len() == 0 {
			return
		}
		out = append(out, rawChunk{
			content:   strings.TrimSpace(sb.String()),
			startLine: start,
			endLine:   cursor,
		})
		sb.Reset()
	}

	for _, s := range sentences {
		if sb.Len() > 0 && sb.Len()+len(s) > MaxChunkChars {
			flush()
		}
		if sb.Len() == 0 {
			start = cursor
		}
		sb.WriteString(s)
		cursor += strings.Count(s, "\n")
		if sb.Len() >= TargetChunkChars {
			flush()
		}
	}
	flush()
	return out
}

// splitSentences cuts after terminal punctuation followed by whitespace,
// or at a newline. Runs longer than the max chunk size are hard-cut so a
// pathological single-line blob cannot defeat the size bound.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	for i := 0; i < len(text); i++ {
		boundary := false
		switch text[i] {
		case '.', '!', '?':
			if i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t') {
				boundary = true
			}
		case '\n':
			boundary = true
		}
		if boundary {
			out = append(out, text[start:i+1])
			start = i + 1
			continue
		}
		if i-start >= MaxChunkChars {
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// overlapTail returns the trailing slice of content carried into the next
// chunk, trimmed forward to a word boundary.
func overlapTail(content string) string {
	if len(content) <= OverlapChars {
		return strings.TrimSpace(content)
	}
	tail := content[len(content)-OverlapChars:]
	if idx := strings.IndexAny(tail, " \t\n"); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}
