package bridge

import (
	"fmt"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
)

// maxImageBytes bounds the size of an inline image block the converter will
// accept, per the documented image-content boundary.
const maxImageBytes = 15 * 1024 * 1024

// flattenPromptText renders an ACP prompt (a sequence of content blocks) into
// the single text string the backend's QueryWithSession call expects: plain
// text verbatim, resource links as Markdown links, embedded text resources
// wrapped in a context tag, images as a "[image: <mime>, <n> bytes]"
// placeholder (the image data itself is not passed on), and a leading
// "/mcp:server:command" slash command rewritten to "/server:command (MCP)".
func flattenPromptText(blocks []acpsdk.ContentBlock) (string, error) {
	var b strings.Builder
	for i, block := range blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		chunk, err := renderContentBlock(block)
		if err != nil {
			return "", err
		}
		b.WriteString(chunk)
	}
	return rewriteSlashCommand(b.String()), nil
}

func renderContentBlock(block acpsdk.ContentBlock) (string, error) {
	switch {
	case block.Text != nil:
		return block.Text.Text, nil
	case block.ResourceLink != nil:
		link := block.ResourceLink
		name := link.Name
		if name == "" {
			name = link.Uri
		}
		return fmt.Sprintf("[%s](%s)", name, link.Uri), nil
	case block.Resource != nil:
		return renderEmbeddedResource(block.Resource), nil
	case block.Image != nil:
		return renderImageBlock(block.Image)
	default:
		return "", nil
	}
}

func renderEmbeddedResource(res *acpsdk.EmbeddedResource) string {
	if res == nil || res.Resource.Text == nil {
		return ""
	}
	r := res.Resource.Text
	return fmt.Sprintf("<context ref=%q>\n%s\n</context>", r.Uri, r.Text)
}

var supportedImageMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

func renderImageBlock(img *acpsdk.ImageContent) (string, error) {
	if img == nil {
		return "", nil
	}
	if len(img.Data) > maxImageBytes {
		return "", fmt.Errorf("image content exceeds %d byte limit", maxImageBytes)
	}
	if img.MimeType == "" {
		return "", fmt.Errorf("image content missing mime type")
	}
	if !supportedImageMimeTypes[img.MimeType] {
		return "", fmt.Errorf("unsupported image mime type: %s", img.MimeType)
	}
	return fmt.Sprintf("[image: %s, %d bytes]", img.MimeType, len(img.Data)), nil
}

// rewriteSlashCommand rewrites the backend's own "/mcp:server:command"
// slash-command addressing form into the "/server:command (MCP)" form the
// editor client displays, the inverse of the direction the name space
// travels on the wire. Text that doesn't start with an mcp: slash command is
// returned unchanged.
func rewriteSlashCommand(text string) string {
	trimmed := strings.TrimLeft(text, " \t")
	if !strings.HasPrefix(trimmed, "/mcp:") {
		return text
	}
	rest := trimmed[len("/mcp:"):]
	firstLine, remainder, hasRemainder := strings.Cut(rest, "\n")
	name, args, hasArgs := strings.Cut(firstLine, " ")
	if !strings.Contains(name, ":") {
		return text
	}
	rewritten := "/" + name + " (MCP)"
	if hasArgs {
		rewritten += " " + args
	}
	if hasRemainder {
		rewritten += "\n" + remainder
	}
	return rewritten
}
