// Package blockpack splits Slack block messages into chunks that fit a maximum
// serialized length.
package blockpack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"unicode/utf8"
)

// Block is one Slack layout block in its generic JSON form.
type Block = map[string]any

// Message is a block kit payload: {"blocks": [...]}.
type Message struct {
	Blocks []Block `json:"blocks"`
}

// widest marker reserved when part markers are requested
const markerReserve = "_Part 9999 of 9999_"

// Split packs msg.Blocks greedily, in order, into messages whose serialized
// length stays within maxLen. A section block whose text alone overflows is
// cut into pieces, each sent as its own message. With partHeader set and more
// than one chunk, every chunk except the last is marked "Part N of T":
// prepended on the first chunk, appended on the others. An empty message
// yields no chunks.
func Split(msg Message, partHeader bool, maxLen int) []Message {
	if len(msg.Blocks) == 0 {
		return nil
	}

	budget := maxLen
	if partHeader {
		if reserved := maxLen - Length(MarkerBlock(markerReserve)); reserved > 0 {
			budget = reserved
		}
	}

	var chunks [][]Block
	var current []Block
	currentLen := 0
	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentLen = 0
		}
	}

	for _, block := range msg.Blocks {
		blockLen := Length(block)

		if blockLen > budget {
			if pieces, ok := splitSection(block, budget); ok {
				flush()
				for _, piece := range pieces {
					chunks = append(chunks, []Block{piece})
				}
				continue
			}
		}

		if currentLen+blockLen > budget && len(current) > 0 {
			flush()
		}
		current = append(current, block)
		currentLen += blockLen
	}
	flush()

	total := len(chunks)
	out := make([]Message, 0, total)
	for i, blocks := range chunks {
		if partHeader && total > 1 && i < total-1 {
			marker := MarkerBlock(fmt.Sprintf("_Part %d of %d_", i+1, total))
			if i == 0 {
				blocks = append([]Block{marker}, blocks...)
			} else {
				blocks = append(blocks, marker)
			}
		}
		out = append(out, Message{Blocks: blocks})
	}
	return out
}

// MarkerBlock builds the mrkdwn section used for part markers.
func MarkerBlock(text string) Block {
	return Block{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

// Length is the rune count of the block's compact JSON form.
func Length(block Block) int {
	return utf8.RuneCount(marshal(block))
}

// MessageLength sums the lengths of the message blocks.
func MessageLength(msg Message) int {
	total := 0
	for _, block := range msg.Blocks {
		total += Length(block)
	}
	return total
}

func marshal(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// splitSection cuts the text of a section block so that every piece,
// serialized with the block's other fields, fits within maxLen. Escaped
// characters count at their JSON width.
func splitSection(block Block, maxLen int) ([]Block, bool) {
	if block["type"] != "section" {
		return nil, false
	}
	textObj, ok := block["text"].(map[string]any)
	if !ok {
		return nil, false
	}
	text, ok := textObj["text"].(string)
	if !ok || text == "" {
		return nil, false
	}
	if Length(withText(block, textObj, "")) >= maxLen {
		return nil, false
	}

	pieces := splitMeasured(text, maxLen, func(piece string) int {
		return Length(withText(block, textObj, piece))
	})
	out := make([]Block, 0, len(pieces))
	for _, piece := range pieces {
		out = append(out, withText(block, textObj, piece))
	}
	return out, true
}

func withText(block Block, textObj map[string]any, text string) Block {
	piece := maps.Clone(block)
	obj := maps.Clone(textObj)
	obj["text"] = text
	piece["text"] = obj
	return piece
}

// SplitText cuts text into trimmed pieces of at most limit runes, preferring
// paragraph breaks, then line breaks, then spaces, then a hard cut. A break
// starting exactly at limit still counts.
func SplitText(text string, limit int) []string {
	return splitMeasured(text, limit, utf8.RuneCountInString)
}

// splitMeasured is SplitText with size deciding what fits. size must grow
// with the prefix length.
func splitMeasured(text string, limit int, size func(string) int) []string {
	if limit <= 0 {
		return []string{strings.TrimSpace(text)}
	}
	var pieces []string
	remaining := []rune(text)
	for size(string(remaining)) > limit {
		fits := sort.Search(len(remaining)+1, func(n int) bool {
			return size(string(remaining[:n])) > limit
		}) - 1
		fits = max(fits, 1)

		cut := lastBoundary(remaining, fits)
		if cut <= 0 {
			cut = fits
		}
		if piece := strings.TrimSpace(string(remaining[:cut])); piece != "" {
			pieces = append(pieces, piece)
		}
		remaining = []rune(strings.TrimLeft(string(remaining[cut:]), " \n"))
	}
	if piece := strings.TrimSpace(string(remaining)); piece != "" {
		pieces = append(pieces, piece)
	}
	return pieces
}

// lastBoundary returns the rune offset of the best break starting at or
// before limit, or -1.
func lastBoundary(text []rune, limit int) int {
	for _, sep := range []string{"\n\n", "\n", " "} {
		end := min(limit+len(sep), len(text))
		window := string(text[:end])
		if idx := strings.LastIndex(window, sep); idx > 0 {
			return utf8.RuneCountInString(window[:idx])
		}
	}
	return -1
}
