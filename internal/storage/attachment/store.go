package attachment

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"marketplace-chat/internal/constants"
	"marketplace-chat/internal/storage/database/conversation"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

// File 上傳中的檔案. Size 取自上傳標頭，在任何 I/O 之前用於限制檢查.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// Store 內容定址的附件存儲：路徑由內容雜湊 + 原始副檔名決定
type Store struct {
	fs        afero.Fs
	root      string
	urlPrefix string
}

// NewStore 創建附件存儲
func NewStore(fs afero.Fs, root, urlPrefix string) *Store {
	return &Store{
		fs:        fs,
		root:      root,
		urlPrefix: strings.TrimRight(urlPrefix, "/"),
	}
}

// Store 寫入附件. 相同內容對應相同路徑，已存在時不重複寫入.
func (s *Store) Store(ctx context.Context, f File) (conversation.Attachment, error) {
	if f.Open == nil {
		return conversation.Attachment{}, fmt.Errorf("attachment %q has no content", f.Name)
	}

	src, err := f.Open()
	if err != nil {
		return conversation.Attachment{}, fmt.Errorf("open attachment: %w", err)
	}
	defer src.Close()

	tmpDir := filepath.Join(s.root, "tmp")
	if err := s.fs.MkdirAll(tmpDir, 0o750); err != nil {
		return conversation.Attachment{}, fmt.Errorf("create tmp dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, tmpDir, "upload-*")
	if err != nil {
		return conversation.Attachment{}, fmt.Errorf("create tmp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = s.fs.Remove(tmpName)
		}
	}()

	hasher, err := blake2b.New256(nil)
	if err != nil {
		_ = tmp.Close()
		return conversation.Attachment{}, err
	}

	// 邊寫邊算雜湊，同時嗅探內容類型
	sniff := &sniffWriter{}
	size, err := io.Copy(io.MultiWriter(tmp, hasher, sniff), &ctxReader{ctx: ctx, r: src})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return conversation.Attachment{}, fmt.Errorf("write attachment: %w", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	ext := SanitizeExtension(f.Name)
	rel := path.Join(sum[:2], sum[2:4], sum+ext)
	dst := filepath.Join(s.root, filepath.FromSlash(rel))

	exists, err := afero.Exists(s.fs, dst)
	if err != nil {
		return conversation.Attachment{}, err
	}
	if !exists {
		if err := s.fs.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return conversation.Attachment{}, fmt.Errorf("create attachment dir: %w", err)
		}
		if err := s.fs.Rename(tmpName, dst); err != nil {
			return conversation.Attachment{}, fmt.Errorf("commit attachment: %w", err)
		}
		committed = true
	}

	mimeType := detectMimeType(f.MimeType, ext, sniff.buf)
	kind := conversation.AttachmentDocument
	if strings.HasPrefix(mimeType, "image/") {
		kind = conversation.AttachmentImage
	}

	return conversation.Attachment{
		Type:     kind,
		URL:      s.urlPrefix + "/" + rel,
		Filename: filepath.Base(f.Name),
		Size:     size,
		MimeType: mimeType,
	}, nil
}

// FileSystem 以 http.FileSystem 形式提供已存儲的附件
func (s *Store) FileSystem() http.FileSystem {
	return afero.NewHttpFs(afero.NewReadOnlyFs(afero.NewBasePathFs(s.fs, s.root)))
}

// SanitizeExtension 取得安全的副檔名（小寫、僅英數字），不合法時回傳空字串
func SanitizeExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > constants.MaxExtensionLength+1 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

func detectMimeType(declared, ext string, head []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		return byExt
	}
	return http.DetectContentType(head)
}

// sniffWriter 保留前 512 bytes 供內容類型偵測
type sniffWriter struct {
	buf []byte
}

func (w *sniffWriter) Write(p []byte) (int, error) {
	if remaining := 512 - len(w.buf); remaining > 0 {
		if len(p) < remaining {
			remaining = len(p)
		}
		w.buf = append(w.buf, p[:remaining]...)
	}
	return len(p), nil
}

// ctxReader 在請求取消時中斷複製
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
