package comm

import (
	"fmt"
	"unsafe"
)

// Element is the closed set of exchangeable value kinds. Booleans travel as
// single bytes (~uint8) to keep the wire format stable across languages.
type Element interface {
	~uint8 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// bytesOf reinterprets a value slice as its raw bytes. The exchange engine
// ships host-native representations, as the underlying transports connect
// homogeneous ranks.
func bytesOf[T Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*elementSize[T]())
}

func elementSize[T Element]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

func elementName[T Element]() string {
	var z T
	return fmt.Sprintf("%T", z)
}
