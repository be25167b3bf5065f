package attachment

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func memFile(name, mimeType, content string) File {
	return File{
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func TestStoreIsContentAddressed(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/data", "/attachments/")
	ctx := context.Background()

	first, err := store.Store(ctx, memFile("photo.JPG", "image/jpeg", "same-bytes"))
	if err != nil {
		t.Fatalf("存儲附件失敗: %v", err)
	}
	second, err := store.Store(ctx, memFile("another-name.jpg", "image/jpeg", "same-bytes"))
	if err != nil {
		t.Fatalf("存儲附件失敗: %v", err)
	}

	if first.URL != second.URL {
		t.Errorf("相同內容應對應相同路徑: %s vs %s", first.URL, second.URL)
	}
	if !strings.HasPrefix(first.URL, "/attachments/") || !strings.HasSuffix(first.URL, ".jpg") {
		t.Errorf("URL 格式錯誤: %s", first.URL)
	}
	if first.Type != "image" {
		t.Errorf("image/jpeg 應為 image 類型，得到 %s", first.Type)
	}
	if first.Filename != "photo.JPG" || first.Size != int64(len("same-bytes")) {
		t.Errorf("附件資訊錯誤: %+v", first)
	}

	// 暫存檔應被清理
	entries, err := afero.ReadDir(fs, "/data/tmp")
	if err != nil {
		t.Fatalf("讀取暫存目錄失敗: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("暫存目錄應為空，剩下 %d 個檔案", len(entries))
	}
}

func TestStoreSameNameDifferentContent(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/data", "/attachments")
	ctx := context.Background()

	a, err := store.Store(ctx, memFile("report.pdf", "application/pdf", "version one"))
	if err != nil {
		t.Fatalf("存儲附件失敗: %v", err)
	}
	b, err := store.Store(ctx, memFile("report.pdf", "application/pdf", "version two"))
	if err != nil {
		t.Fatalf("存儲附件失敗: %v", err)
	}

	if a.URL == b.URL {
		t.Error("不同內容即使檔名相同也不應衝突")
	}
	if a.Type != "document" {
		t.Errorf("pdf 應為 document 類型，得到 %s", a.Type)
	}
}

func TestStoredFileIsServed(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/data", "/attachments")

	att, err := store.Store(context.Background(), memFile("notes.txt", "", "hello attachment"))
	if err != nil {
		t.Fatalf("存儲附件失敗: %v", err)
	}

	rel := strings.TrimPrefix(att.URL, "/attachments")
	f, err := store.FileSystem().Open(rel)
	if err != nil {
		t.Fatalf("開啟已存儲附件失敗: %v", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		t.Fatalf("讀取附件失敗: %v", err)
	}
	if buf.String() != "hello attachment" {
		t.Errorf("內容錯誤: %q", buf.String())
	}
	if !strings.HasPrefix(att.MimeType, "text/plain") {
		t.Errorf("應偵測為 text/plain，得到 %s", att.MimeType)
	}
}

func TestSanitizeExtension(t *testing.T) {
	tests := map[string]string{
		"a.PNG":                  ".png",
		"archive.tar.gz":         ".gz",
		"noext":                  "",
		"evil.ph$p":              "",
		"../../etc/passwd":       "",
		"x.averyveryverylongext": "",
	}
	for name, want := range tests {
		if got := SanitizeExtension(name); got != want {
			t.Errorf("SanitizeExtension(%q) = %q，期望 %q", name, got, want)
		}
	}
}
