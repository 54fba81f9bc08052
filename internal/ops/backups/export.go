package backups

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/boxadmin/privd/internal/fault"
	"github.com/boxadmin/privd/internal/registry"
	"github.com/klauspost/compress/zstd"
)

func exportTar(ctx context.Context, args registry.Args) (io.ReadCloser, error) {
	dir := filepath.Clean(args.String("path"))
	if err := checkUnderRoot(dir); err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, reraiseKnown(err)
	}
	if !info.IsDir() {
		return nil, fault.Errorf(fault.InvalidArgument, "%s is not a directory", dir)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeArchive(ctx, pw, dir))
	}()
	return pr, nil
}

// writeArchive writes dir as a tar archive compressed with zstd. Entry
// names are relative to dir.
func writeArchive(ctx context.Context, w io.Writer, dir string) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("zstd encoder: %w", err)
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		return addEntry(tw, p, filepath.ToSlash(rel), d)
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = zw.Close()
		return walkErr
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func addEntry(tw *tar.Writer, p, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(p); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}
