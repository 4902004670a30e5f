package acp

import (
	"fmt"
	"strings"

	"conductor/internal/protocol"
)

// Markers substituted when a block carries nothing usable. Conversion
// never yields an empty string: downstream dispatch always receives
// explicit text.
const (
	markerNoContent   = "[no content]"
	markerEmptyText   = "[empty text block]"
	markerBinaryData  = "[binary data]"
	markerUnknownType = "[unknown content type: %s]"
)

// ConvertBlocks flattens a prompt's content blocks into one text
// representation. Malformed blocks degrade to markers locally; the
// prompt still proceeds.
func ConvertBlocks(blocks []protocol.ContentBlock) string {
	if len(blocks) == 0 {
		return markerNoContent
	}

	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		parts = append(parts, convertBlock(block))
	}
	return strings.Join(parts, "\n")
}

func convertBlock(block protocol.ContentBlock) string {
	switch block.Type {
	case "text":
		if block.Text == "" {
			return markerEmptyText
		}
		return block.Text

	case "resource":
		if block.Resource == nil {
			return fmt.Sprintf("[Resource: %s]\n%s", block.URI, markerBinaryData)
		}
		body := block.Resource.Text
		if body == "" {
			body = markerBinaryData
		}
		return fmt.Sprintf("[Resource: %s]\n%s", block.Resource.URI, body)

	case "resource_link":
		return fmt.Sprintf("[Link: %s - %s]", block.Name, block.URI)

	case "image":
		return fmt.Sprintf("[Image: %s]", block.MimeType)

	case "audio":
		return fmt.Sprintf("[Audio: %s]", block.MimeType)

	default:
		return fmt.Sprintf(markerUnknownType, block.Type)
	}
}
