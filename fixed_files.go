//go:build linux
// +build linux

package iouring

import (
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	iouring_syscall "github.com/iceber/iouring-sqpoll/syscall"
)

// fileRegister keeps the fixed file table. Kernels without
// IORING_FEAT_SQPOLL_NONFIXED only let the poller use registered files.
type fileRegister struct {
	lock   sync.Mutex
	handle RingHandle

	fds []int32

	indexLock sync.RWMutex
	indexs    map[int32]int
}

func newFileRegister(handle RingHandle) *fileRegister {
	return &fileRegister{handle: handle, indexs: make(map[int32]int)}
}

func (register *fileRegister) GetFileIndex(fd int32) (int, bool) {
	if fd < 0 {
		return -1, false
	}

	register.indexLock.RLock()
	i, ok := register.indexs[fd]
	register.indexLock.RUnlock()
	return i, ok
}

func (register *fileRegister) RegisterFiles(fds []int32) error {
	if len(fds) == 0 {
		return errors.New("files is empty")
	}

	register.lock.Lock()
	defer register.lock.Unlock()

	if len(register.fds) != 0 {
		return ErrFilesRegistered
	}

	table := make([]int32, len(fds))
	copy(table, fds)
	if err := register.handle.Register(
		iouring_syscall.IORING_REGISTER_FILES,
		unsafe.Pointer(&table[0]),
		uint32(len(table)),
	); err != nil {
		return errors.Wrap(err, "register files")
	}
	register.fds = table

	register.indexLock.Lock()
	for i, fd := range table {
		register.indexs[fd] = i
	}
	register.indexLock.Unlock()
	return nil
}

func (register *fileRegister) UnregisterFiles() error {
	register.lock.Lock()
	defer register.lock.Unlock()

	if len(register.fds) == 0 {
		return nil
	}
	if err := register.handle.Register(iouring_syscall.IORING_UNREGISTER_FILES, nil, 0); err != nil {
		return errors.Wrap(err, "unregister files")
	}
	register.fds = nil

	register.indexLock.Lock()
	register.indexs = make(map[int32]int)
	register.indexLock.Unlock()
	return nil
}

// NeedsFixedFiles reports whether the kernel poller can only reach
// registered files.
func (iour *IOURing) NeedsFixedFiles() bool {
	params := iour.handle.Params()
	return params.Flags&iouring_syscall.IORING_SETUP_FLAGS_SQPOLL != 0 &&
		params.Features&iouring_syscall.IORING_FEAT_SQPOLL_NONFIXED == 0
}

// RegisterFiles installs the fixed file table. Requests for a registered fd
// are submitted against its table index.
func (iour *IOURing) RegisterFiles(files ...*os.File) error {
	fds := make([]int32, 0, len(files))
	for _, file := range files {
		fds = append(fds, int32(file.Fd()))
	}
	return iour.RegisterFds(fds)
}

func (iour *IOURing) RegisterFds(fds []int32) error {
	for _, fd := range fds {
		if fd < 0 {
			return errors.Wrapf(ErrUnregisteredFile, "invalid fd %d", fd)
		}
	}
	return iour.files.RegisterFiles(fds)
}

func (iour *IOURing) UnregisterFiles() error {
	return iour.files.UnregisterFiles()
}

func (iour *IOURing) GetFixedFileIndex(file *os.File) (int, bool) {
	return iour.files.GetFileIndex(int32(file.Fd()))
}
