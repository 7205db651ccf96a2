package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/ulikunitz/xz"
)

func isXZ(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".xz")
}

// readImage reads a flash image, decompressing .xz files.
func readImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !isXZ(path) {
		return data, nil
	}
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not decompress %s: %w", path, err)
	}
	res, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not decompress %s: %w", path, err)
	}
	return res, nil
}

// writeImage writes a flash image, compressing it if path ends in .xz.
func writeImage(path string, data []byte) error {
	if !isXZ(path) {
		return os.WriteFile(path, data, 0644)
	}
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("could not compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("could not compress: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// backupPath returns where to save the previous contents of a range before
// overwriting it.
func backupPath(jedec [3]byte, addr uint32, now time.Time) (string, error) {
	name := fmt.Sprintf("%02x%02x%02x-%06x-%s.bin.xz", jedec[0], jedec[1], jedec[2], addr, now.Format("20060102-150405"))
	return xdg.DataFile(filepath.Join("ch341prog", "backups", name))
}
