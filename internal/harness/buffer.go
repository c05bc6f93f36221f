//go:build linux
// +build linux

package harness

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// alignedBuffer is an anonymous mapping, so it is page aligned as O_DIRECT
// requires.
type alignedBuffer struct {
	buf []byte
}

func newAlignedBuffer(size int) (*alignedBuffer, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %d byte buffer", size)
	}
	return &alignedBuffer{buf: b}, nil
}

func (b *alignedBuffer) block(i, size int) []byte {
	return b.buf[i*size : (i+1)*size : (i+1)*size]
}

func (b *alignedBuffer) unmap() error {
	if b.buf == nil {
		return nil
	}
	err := unix.Munmap(b.buf)
	b.buf = nil
	return err
}

// pattern is the byte every block of slot is filled with.
func pattern(slot int) byte {
	return byte(slot%251) + 1
}
