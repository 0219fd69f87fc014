// Package content flattens OpenAI message content into the plain text a CLI backend
// reads on stdin. Inline attachments are written into the invocation's sandbox and
// referenced by path.
package content

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
)

// DefaultMaxInlineBytes caps a decoded inline attachment.
const DefaultMaxInlineBytes = 50 << 20

// Config configures the Normalizer.
type Config struct {
	UploadRoot     string `env:"UPLOAD_ROOT"`
	MaxInlineBytes int64  `env:"MAX_INLINE_BYTES" envDefault:"52428800"`
}

// Normalizer converts message content to text.
type Normalizer struct {
	uploadRoot string
	maxInline  int64
}

// NewNormalizer creates a Normalizer. Without an upload root every file reference is denied.
func NewNormalizer(cfg Config) *Normalizer {
	root := cfg.UploadRoot
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		if resolved, err := filepath.EvalSymlinks(root); err == nil {
			root = resolved
		}
	}
	maxInline := cfg.MaxInlineBytes
	if maxInline <= 0 {
		maxInline = DefaultMaxInlineBytes
	}
	return &Normalizer{uploadRoot: root, maxInline: maxInline}
}

// Normalize returns content as text. Parts are joined by newlines in order; a part that
// cannot be used becomes a bracketed marker instead of failing the message.
func (n *Normalizer) Normalize(ctx context.Context, c domain.Content, sandboxDir string) string {
	if !c.IsMultipart() {
		return c.Text
	}

	out := make([]string, 0, len(c.Parts))
	for _, part := range c.Parts {
		if text := n.normalizePart(ctx, part, sandboxDir); text != "" {
			out = append(out, text)
		}
	}
	return strings.Join(out, "\n")
}

func (n *Normalizer) normalizePart(ctx context.Context, part domain.ContentPart, sandboxDir string) string {
	switch part.Type {
	case domain.PartText:
		return part.Text

	case domain.PartImageURL:
		if part.ImageURL == nil || part.ImageURL.URL == "" {
			return ""
		}
		return n.normalizeURL(ctx, part.ImageURL.URL, "", "image", sandboxDir)

	case domain.PartFile:
		if part.File == nil {
			return ""
		}
		if part.File.FileData != "" {
			data := part.File.FileData
			if !strings.HasPrefix(data, "data:") {
				data = "data:;base64," + data
			}
			return n.normalizeURL(ctx, data, part.File.Filename, "file", sandboxDir)
		}
		if part.File.FileID != "" {
			return n.resolveFileID(ctx, part.File.FileID)
		}
		return ""

	default:
		observability.FromContext(ctx).Debug("skipping unknown content part",
			observability.String("type", part.Type))
		return fmt.Sprintf("[unsupported content part: %s]", part.Type)
	}
}

func (n *Normalizer) normalizeURL(ctx context.Context, raw, filename, label, sandboxDir string) string {
	if strings.HasPrefix(raw, "data:") {
		return n.writeDataURL(ctx, raw, filename, label, sandboxDir)
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Sprintf("[unsupported %s reference]", label)
	}
	return fmt.Sprintf("[%s: %s]", label, raw)
}

func (n *Normalizer) writeDataURL(ctx context.Context, raw, filename, label, sandboxDir string) string {
	logger := observability.FromContext(ctx)

	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return fmt.Sprintf("[invalid %s data]", label)
	}

	var data []byte
	if strings.HasSuffix(header, ";base64") {
		padding := len(payload) - len(strings.TrimRight(payload, "="))
		if size := int64(base64.StdEncoding.DecodedLen(len(payload)) - padding); size > n.maxInline {
			return fmt.Sprintf("[attachment too large: %d bytes]", size)
		}
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			logger.Warn("invalid base64 attachment", observability.Error(err))
			return fmt.Sprintf("[invalid %s data]", label)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return fmt.Sprintf("[invalid %s data]", label)
		}
		data = []byte(unescaped)
	}

	if int64(len(data)) > n.maxInline {
		return fmt.Sprintf("[attachment too large: %d bytes]", len(data))
	}
	if sandboxDir == "" {
		return fmt.Sprintf("[%s omitted: no working directory]", label)
	}

	ext := mimetype.Detect(data).Extension()
	if ext == "" || ext == ".txt" {
		if fromName := filepath.Ext(filename); fromName != "" {
			ext = fromName
		}
	}

	f, err := os.CreateTemp(sandboxDir, "attachment-*"+ext)
	if err != nil {
		logger.Warn("failed to create attachment file", observability.Error(err))
		return fmt.Sprintf("[%s could not be saved]", label)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		logger.Warn("failed to write attachment file", observability.Error(err))
		return fmt.Sprintf("[%s could not be saved]", label)
	}

	path, err := filepath.Abs(f.Name())
	if err != nil {
		path = f.Name()
	}
	return fmt.Sprintf("[%s: %s]", label, path)
}

// resolveFileID maps an uploaded file id to a path inside the upload root. Symlinks are
// resolved before the containment check, so a link may not point outside the root.
func (n *Normalizer) resolveFileID(ctx context.Context, fileID string) string {
	denied := fmt.Sprintf("[file access denied: %s]", fileID)
	if n.uploadRoot == "" {
		return denied
	}

	path := filepath.Join(n.uploadRoot, fileID)
	if !n.withinRoot(path) {
		observability.FromContext(ctx).Warn("file reference escapes upload root",
			observability.String("file_id", fileID))
		return denied
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Sprintf("[file not found: %s]", fileID)
		}
		return denied
	}
	if !n.withinRoot(resolved) {
		observability.FromContext(ctx).Warn("file reference links outside upload root",
			observability.String("file_id", fileID))
		return denied
	}

	if _, err := os.Stat(resolved); err != nil {
		return denied
	}
	return fmt.Sprintf("[file: %s]", resolved)
}

func (n *Normalizer) withinRoot(path string) bool {
	rel, err := filepath.Rel(n.uploadRoot, path)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
