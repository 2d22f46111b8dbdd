package content

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultDividerStyle is used when a divider block carries no style of its own.
const DefaultDividerStyle = "border:none;border-top:1px solid #e0e0e0;margin:24px 0"

// FallbackBody is the single-paragraph greeting substituted when a body
// payload cannot be parsed. Sends stay non-blocking at the cost of losing
// the author's content on malformed input.
const FallbackBody = `<p>Hello! Thanks for being a subscriber.</p>`

// RenderBlocks renders an ordered block sequence into a complete HTML
// document. Rendering is a pure function of its inputs: the same blocks and
// subject always produce byte-identical output.
func RenderBlocks(blocks []ContentBlock, subject string) string {
	var body strings.Builder
	for _, b := range blocks {
		body.WriteString(renderBlock(b))
	}
	return wrapDocument(body.String(), subject)
}

func renderBlock(b ContentBlock) string {
	switch b.Type {
	case BlockHeader:
		return fmt.Sprintf("<h1 style=\"font-size:24px;font-weight:bold;margin:16px 0\">%s</h1>\n", b.Content)
	case BlockText:
		return fmt.Sprintf("<p style=\"font-size:15px;line-height:1.6;margin:12px 0\">%s</p>\n", b.Content)
	case BlockDivider:
		style := b.Content
		if style == "" {
			style = DefaultDividerStyle
		}
		return fmt.Sprintf("<hr style=%q>\n", style)
	case BlockFooter:
		return fmt.Sprintf("<div style=\"font-size:12px;color:#888;margin-top:32px\">%s</div>\n", b.Content)
	default:
		// Unknown block types contribute nothing.
		return ""
	}
}

// RenderBody renders a raw dispatch body (string or block array) into a
// complete HTML document. Malformed payloads render the fixed fallback
// greeting; this function never fails.
func RenderBody(raw json.RawMessage, subject string) string {
	input, ok := DecodeBody(raw)
	if !ok {
		return wrapDocument(FallbackBody, subject)
	}
	if input.IsHTML {
		return wrapDocument(input.Raw, subject)
	}
	return RenderBlocks(input.Blocks, subject)
}

func wrapDocument(body, subject string) string {
	var doc strings.Builder
	doc.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	doc.WriteString("<meta charset=\"utf-8\">\n")
	doc.WriteString(fmt.Sprintf("<title>%s</title>\n", subject))
	doc.WriteString("</head>\n<body style=\"font-family:Arial,Helvetica,sans-serif;max-width:600px;margin:0 auto;padding:16px\">\n")
	doc.WriteString(body)
	doc.WriteString("</body>\n</html>\n")
	return doc.String()
}
