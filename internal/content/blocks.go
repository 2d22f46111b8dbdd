// Package content converts ordered, typed content blocks into the HTML
// document that the dispatch pipeline sends. Block content is passed through
// verbatim: authors are trusted to supply sanitized HTML, and that contract
// is part of the authoring surface, not this package.
package content

import (
	"encoding/json"
	"strings"
)

// BlockType identifies the rendering rule for a content block.
type BlockType string

const (
	BlockHeader  BlockType = "header"
	BlockText    BlockType = "text"
	BlockDivider BlockType = "divider"
	BlockFooter  BlockType = "footer"
)

// ContentBlock is one typed, ordered unit of email body content.
// Insertion order is rendering order.
type ContentBlock struct {
	Type    BlockType `json:"type"`
	ID      string    `json:"id"`
	Content string    `json:"content"`
}

// ParseBlocks decodes a JSON array of content blocks.
func ParseBlocks(raw []byte) ([]ContentBlock, error) {
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// BodyInput is the polymorphic dispatch body: either a plain string or an
// ordered array of content blocks.
type BodyInput struct {
	Raw    string
	Blocks []ContentBlock
	IsHTML bool
}

// DecodeBody accepts the wire form of a dispatch body. A JSON string is
// treated as pre-rendered HTML; a JSON array is parsed as blocks. Anything
// else reports ok=false and the caller falls back to the default greeting.
func DecodeBody(raw json.RawMessage) (BodyInput, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return BodyInput{}, false
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return BodyInput{}, false
		}
		return BodyInput{Raw: s, IsHTML: true}, true
	}

	blocks, err := ParseBlocks(raw)
	if err != nil {
		return BodyInput{}, false
	}
	return BodyInput{Blocks: blocks}, true
}
