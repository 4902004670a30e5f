package acp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"conductor/internal/protocol"
)

func TestConvertBlocks(t *testing.T) {
	tests := []struct {
		name   string
		blocks []protocol.ContentBlock
		want   string
	}{
		{
			name:   "single text block passes through verbatim",
			blocks: []protocol.ContentBlock{{Type: "text", Text: "list files"}},
			want:   "list files",
		},
		{
			name:   "empty block list yields explicit marker",
			blocks: nil,
			want:   "[no content]",
		},
		{
			name:   "empty text block yields explicit marker",
			blocks: []protocol.ContentBlock{{Type: "text", Text: ""}},
			want:   "[empty text block]",
		},
		{
			name: "embedded resource with text",
			blocks: []protocol.ContentBlock{{
				Type:     "resource",
				Resource: &protocol.EmbeddedResource{URI: "file:///a.go", Text: "package a"},
			}},
			want: "[Resource: file:///a.go]\npackage a",
		},
		{
			name: "embedded resource without text is marked binary",
			blocks: []protocol.ContentBlock{{
				Type:     "resource",
				Resource: &protocol.EmbeddedResource{URI: "file:///a.bin", Blob: "AAAA"},
			}},
			want: "[Resource: file:///a.bin]\n[binary data]",
		},
		{
			name:   "resource link",
			blocks: []protocol.ContentBlock{{Type: "resource_link", Name: "README", URI: "file:///README.md"}},
			want:   "[Link: README - file:///README.md]",
		},
		{
			name:   "image and audio become mime placeholders",
			blocks: []protocol.ContentBlock{{Type: "image", MimeType: "image/png"}, {Type: "audio", MimeType: "audio/wav"}},
			want:   "[Image: image/png]\n[Audio: audio/wav]",
		},
		{
			name:   "unrecognized type degrades to marker",
			blocks: []protocol.ContentBlock{{Type: "video"}},
			want:   "[unknown content type: video]",
		},
		{
			name: "mixed blocks join with newlines",
			blocks: []protocol.ContentBlock{
				{Type: "text", Text: "fix this"},
				{Type: "resource_link", Name: "main.go", URI: "file:///main.go"},
			},
			want: "fix this\n[Link: main.go - file:///main.go]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertBlocks(tt.blocks)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, got, "conversion must never yield an empty string")
		})
	}
}
