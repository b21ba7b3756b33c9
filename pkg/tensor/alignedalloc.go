package tensor

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// System page size. Read at startup.
var pageSize uintptr

// pageAlignedFloats allocates n float32 samples whose first element sits on a page boundary.
// Accelerator runtimes can map such buffers without a staging copy.
func pageAlignedFloats(n int) ([]float32, int) {
	nbytes := n * 4
	raw := make([]byte, nbytes+int(pageSize))
	offset := pageSize - (uintptr(unsafe.Pointer(&raw[0])) % pageSize)
	aligned := raw[offset : int(offset)+nbytes]
	return unsafe.Slice((*float32)(unsafe.Pointer(&aligned[0])), n), roundUpToPageSize(nbytes)
}

// PageSize returns the system page size
func PageSize() int {
	return int(pageSize)
}

func roundUpToPageSize(size int) int {
	return int((uintptr(size) + pageSize - 1) & ^(pageSize - 1))
}

func init() {
	pageSize = uintptr(unix.Getpagesize())
}
