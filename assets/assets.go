// Package assets loads bootloader components and disk images from the file
// system. Files may be xz compressed.
package assets

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/gentam/rkflash"
)

// Component file names under a chip directory. A ".xz" variant is used when
// the plain file is missing.
const (
	IDBLoaderFile = "idbloader.img"
	UBootFile     = "u-boot.itb"
)

var xzMagic = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}

// Dir provides components laid out as <Root>/<chip>/idbloader.img and
// <Root>/<chip>/u-boot.itb, chip in lower case (e.g. "rk3588").
type Dir struct {
	Root string
}

var _ rkflash.AssetProvider = Dir{}

func (d Dir) Components(ctx context.Context, chip rkflash.ChipType) ([]rkflash.BootloaderComponent, error) {
	dir := filepath.Join(d.Root, strings.ToLower(string(chip)))
	return Files{
		IDBLoader: filepath.Join(dir, IDBLoaderFile),
		UBoot:     filepath.Join(dir, UBootFile),
	}.Components(ctx, chip)
}

// Files provides components from explicit paths.
type Files struct {
	IDBLoader string
	UBoot     string
}

var _ rkflash.AssetProvider = Files{}

func (f Files) Components(ctx context.Context, chip rkflash.ChipType) ([]rkflash.BootloaderComponent, error) {
	first, err := load(ctx, f.IDBLoader)
	if err != nil {
		return nil, err
	}
	second, err := load(ctx, f.UBoot)
	if err != nil {
		return nil, err
	}
	return rkflash.NewComponents(chip, first, second)
}

// load reads path, or path+".xz" when path does not exist.
func load(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := LoadImage(path)
	if errors.Is(err, fs.ErrNotExist) && !strings.HasSuffix(path, ".xz") {
		if xzData, xzErr := LoadImage(path + ".xz"); xzErr == nil {
			return xzData, nil
		}
	}
	return data, err
}

// LoadImage reads a raw or xz compressed file.
func LoadImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, nil
}

// Decode reads r to the end, decompressing it when it starts with the xz
// stream header.
func Decode(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(xzMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if !bytes.Equal(head, xzMagic) {
		return io.ReadAll(br)
	}

	xr, err := xz.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("xz: %w", err)
	}
	data, err := io.ReadAll(xr)
	if err != nil {
		return nil, fmt.Errorf("xz: %w", err)
	}
	return data, nil
}
