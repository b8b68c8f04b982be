// Package tarball собирает выгрузку конфигурации в воспроизводимый tar.gz:
// одинаковый набор файлов всегда даёт одинаковые байты и одинаковую сумму.
package tarball

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// File - один файл архива. Mode 0 означает 0644.
type File struct {
	Name string
	Data []byte
	Mode int64
}

var epoch = time.Unix(0, 0)

// Build пишет файлы в порядке имён, перед каждым каталогом его запись (0755).
// Времена и владельцы нулевые. Возвращает архив и sha256 в hex.
func Build(files []File) ([]byte, string, error) {
	entries := make(map[string]File, len(files))
	for _, f := range files {
		name, err := clean(f.Name)
		if err != nil {
			return nil, "", err
		}
		if _, dup := entries[name]; dup {
			return nil, "", fmt.Errorf("duplicate archive entry %q", name)
		}
		f.Name = name
		entries[name] = f
	}
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.ModTime = epoch
	tw := tar.NewWriter(gz)

	dirs := map[string]bool{}
	for _, n := range names {
		for _, d := range parents(n) {
			if dirs[d] {
				continue
			}
			dirs[d] = true
			if err := tw.WriteHeader(header(d+"/", tar.TypeDir, 0o755, 0)); err != nil {
				return nil, "", err
			}
		}
		f := entries[n]
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := tw.WriteHeader(header(n, tar.TypeReg, mode, len(f.Data))); err != nil {
			return nil, "", err
		}
		if _, err := tw.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

func header(name string, typ byte, mode int64, size int) *tar.Header {
	return &tar.Header{
		Typeflag: typ,
		Name:     name,
		Mode:     mode,
		Size:     int64(size),
		ModTime:  epoch,
		Format:   tar.FormatPAX,
	}
}

// clean нормализует имя; выход за корень архива - ошибка.
func clean(name string) (string, error) {
	n := path.Clean(strings.TrimLeft(strings.ReplaceAll(name, "\\", "/"), "/"))
	if n == "." || n == ".." || strings.HasPrefix(n, "../") {
		return "", fmt.Errorf("invalid archive entry %q", name)
	}
	return n, nil
}

// parents - каталоги пути от корня: "a/b/c" -> ["a", "a/b"].
func parents(name string) []string {
	var out []string
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			out = append(out, name[:i])
		}
	}
	return out
}
