package backend

import (
	"errors"
	"io"
	"os"

	"github.com/xenblk/xenblk"
)

// File is a Backend backed by a raw disk image on the host filesystem,
// the analog of qemu-dp's "raw" fileproto opened with blk_new_open.
type File struct {
	f    *os.File
	size int64
}

// OpenFile opens path as a raw image backend. When readWrite is false
// the file is opened O_RDONLY and WriteAt always fails.
func OpenFile(path string, readWrite bool) (*File, error) {
	flag := os.O_RDONLY
	if readWrite {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, xenblk.WrapError("OPEN", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xenblk.WrapError("OPEN", err)
	}
	return &File{f: f, size: info.Size()}, nil
}

func (b *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := b.f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, xenblk.WrapError("READ", err)
	}
	return n, nil
}

func (b *File) WriteAt(p []byte, off int64) (int, error) {
	n, err := b.f.WriteAt(p, off)
	if err != nil {
		return n, xenblk.WrapError("WRITE", err)
	}
	return n, nil
}

func (b *File) Size() int64 { return b.size }

func (b *File) Close() error { return b.f.Close() }

func (b *File) Flush() error {
	if err := b.f.Sync(); err != nil {
		return xenblk.WrapError("FLUSH", err)
	}
	return nil
}

// Discard zero-fills the range with ordinary writes. It does not punch a
// hole, so the file's allocated size is unchanged.
func (b *File) Discard(offset, length int64) error {
	zero := make([]byte, 64*1024)
	for remaining := length; remaining > 0; {
		n := int64(len(zero))
		if remaining < n {
			n = remaining
		}
		if _, err := b.f.WriteAt(zero[:n], offset); err != nil {
			return xenblk.WrapError("DISCARD", err)
		}
		offset += n
		remaining -= n
	}
	return nil
}

var (
	_ xenblk.Backend        = (*File)(nil)
	_ xenblk.DiscardBackend = (*File)(nil)
)
