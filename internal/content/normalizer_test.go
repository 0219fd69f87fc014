package content_test

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/clibridge/internal/content"
	"github.com/davidbz/clibridge/internal/domain"
)

// 1x1 transparent PNG.
const pngBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

func TestNormalizer_Normalize(t *testing.T) {
	ctx := context.Background()
	uploads, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "report.csv"), []byte("a,b\n1,2\n"), 0o600))

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("token"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(uploads, "link")))
	require.NoError(t, os.Symlink(filepath.Join(uploads, "report.csv"), filepath.Join(uploads, "alias.csv")))

	normalizer := content.NewNormalizer(content.Config{UploadRoot: uploads, MaxInlineBytes: 1024})

	t.Run("plain string is returned unchanged", func(t *testing.T) {
		got := normalizer.Normalize(ctx, domain.TextContent("  hi there "), "")
		require.Equal(t, "  hi there ", got)
	})

	t.Run("text parts are joined in order", func(t *testing.T) {
		got := normalizer.Normalize(ctx, domain.Content{Parts: []domain.ContentPart{
			{Type: domain.PartText, Text: "first"},
			{Type: domain.PartText, Text: "second"},
		}}, "")
		require.Equal(t, "first\nsecond", got)
	})

	t.Run("file id inside upload root", func(t *testing.T) {
		got := normalizer.Normalize(ctx, domain.Content{Parts: []domain.ContentPart{
			{Type: domain.PartFile, File: &domain.FilePart{FileID: "report.csv"}},
		}}, "")
		require.Equal(t, "[file: "+filepath.Join(uploads, "report.csv")+"]", got)
	})

	t.Run("path traversal is denied without aborting the message", func(t *testing.T) {
		got := normalizer.Normalize(ctx, domain.Content{Parts: []domain.ContentPart{
			{Type: domain.PartText, Text: "look at this"},
			{Type: domain.PartFile, File: &domain.FilePart{FileID: "../../etc/passwd"}},
			{Type: domain.PartText, Text: "thanks"},
		}}, "")
		require.Equal(t, "look at this\n[file access denied: ../../etc/passwd]\nthanks", got)
	})

	t.Run("symlink out of the upload root is denied", func(t *testing.T) {
		got := normalizer.Normalize(ctx, domain.Content{Parts: []domain.ContentPart{
			{Type: domain.PartFile, File: &domain.FilePart{FileID: "link/secret.txt"}},
		}}, "")
		require.Equal(t, "[file access denied: link/secret.txt]", got)
	})

	t.Run("symlink within the upload root resolves to its target", func(t *testing.T) {
		got := normalizer.Normalize(ctx, domain.Content{Parts: []domain.ContentPart{
			{Type: domain.PartFile, File: &domain.FilePart{FileID: "alias.csv"}},
		}}, "")
		require.Equal(t, "[file: "+filepath.Join(uploads, "report.csv")+"]", got)
	})

	t.Run("missing file", func(t *testing.T) {
		got := normalizer.Normalize(ctx, domain.Content{Parts: []domain.ContentPart{
			{Type: domain.PartFile, File: &domain.FilePart{FileID: "nope.txt"}},
		}}, "")
		require.Equal(t, "[file not found: nope.txt]", got)
	})

	t.Run("inline image is written into the sandbox", func(t *testing.T) {
		sandbox := t.TempDir()
		got := normalizer.Normalize(ctx, domain.Content{Parts: []domain.ContentPart{
			{Type: domain.PartImageURL, ImageURL: &domain.ImageURL{URL: "data:image/png;base64," + pngBase64}},
		}}, sandbox)

		require.True(t, strings.HasPrefix(got, "[image: "+sandbox))
		path := strings.TrimSuffix(strings.TrimPrefix(got, "[image: "), "]")
		require.Equal(t, ".png", filepath.Ext(path))

		written, err := os.ReadFile(path)
		require.NoError(t, err)
		decoded, err := base64.StdEncoding.DecodeString(pngBase64)
		require.NoError(t, err)
		require.Equal(t, decoded, written)
	})

	t.Run("oversized inline data is replaced by a marker", func(t *testing.T) {
		big := base64.StdEncoding.EncodeToString(make([]byte, 4096))
		got := normalizer.Normalize(ctx, domain.Content{Parts: []domain.ContentPart{
			{Type: domain.PartFile, File: &domain.FilePart{FileData: big, Filename: "zeros.bin"}},
		}}, t.TempDir())
		require.Equal(t, "[attachment too large: 4096 bytes]", got)
	})

	t.Run("external URL is referenced, not fetched", func(t *testing.T) {
		got := normalizer.Normalize(ctx, domain.Content{Parts: []domain.ContentPart{
			{Type: domain.PartImageURL, ImageURL: &domain.ImageURL{URL: "https://example.com/cat.jpg"}},
		}}, t.TempDir())
		require.Equal(t, "[image: https://example.com/cat.jpg]", got)
	})

	t.Run("no upload root denies every file id", func(t *testing.T) {
		bare := content.NewNormalizer(content.Config{})
		got := bare.Normalize(ctx, domain.Content{Parts: []domain.ContentPart{
			{Type: domain.PartFile, File: &domain.FilePart{FileID: "report.csv"}},
		}}, "")
		require.Equal(t, "[file access denied: report.csv]", got)
	})
}
