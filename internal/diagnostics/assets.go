package diagnostics

import (
	"archive/tar"
	"bytes"
	"embed"
	"io/fs"
	"sort"
	"sync"
)

//go:embed web
var webFS embed.FS

var (
	defaultArchiveOnce sync.Once
	defaultArchive     []byte
)

// AssetsArchive packs files into an uncompressed tar archive, entries in
// name order.
func AssetsArchive(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		data := files[name]
		hdr := &tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DefaultAssets returns the archive of the built-in observatory pages. It is
// built on first use.
func DefaultAssets() []byte {
	defaultArchiveOnce.Do(func() {
		files := make(map[string][]byte)
		fs.WalkDir(webFS, "web", func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			data, err := webFS.ReadFile(path)
			if err != nil {
				return err
			}
			files[path[len("web/"):]] = data
			return nil
		})
		defaultArchive, _ = AssetsArchive(files)
	})
	return defaultArchive
}

func indexPage() []byte {
	data, _ := webFS.ReadFile("web/index.html")
	return data
}
