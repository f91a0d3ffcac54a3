package reports

import (
	"bytes"
	"fmt"
	"io"

	"github.com/alexmullins/zip"
)

const ArchiveContentType = "application/zip"

// EntryName names a rendered document inside its archive.
func EntryName(reportID, datasetID, formatterID fmt.Stringer, suffix string) string {
	return fmt.Sprintf("r%s-d%s-f%s.%s", reportID, datasetID, formatterID, suffix)
}

// archive packs data as the single entry name. With a password the entry is
// AES-256 encrypted as it is written; the plaintext never reaches the
// output.
func archive(name string, data []byte, password string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	var (
		entry io.Writer
		err   error
	)
	if password != "" {
		entry, err = w.Encrypt(name, password)
	} else {
		entry, err = w.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create archive entry: %w", err)
	}
	if _, err := entry.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write archive entry: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Extract reads entry name back out of an archive written by archive.
func Extract(data []byte, name, password string) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		if f.IsEncrypted() {
			f.SetPassword(password)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("entry %s not found", name)
}
