package remus

import (
	"fmt"
	"unsafe"
)

const (
	addressBits    = 48
	addressBitmask = uint64(1)<<addressBits - 1
	idBitmask      = ^addressBitmask
	// NilID is the sentinel node id used by a pointer that does not
	// address any particular node (the "local" wildcard).
	NilID = uint16(0xffff)
)

// FatPtr is a 64-bit address that names both a byte address on a remote
// node and the id of the node that owns it: the top 16 bits hold
// the node id, the low 48 bits hold the byte address. Arithmetic on a
// FatPtr scales by the size of T, exactly like pointer arithmetic in C.
type FatPtr[T any] struct {
	raw uint64
}

// NilFatPtr returns the pointer equivalent to nullptr: id and address both
// zero. It is distinct from the zero value only in naming; FatPtr's zero
// value already satisfies this.
func NilFatPtr[T any]() FatPtr[T] { return FatPtr[T]{} }

// NewFatPtr builds a pointer to byte address addr on node id.
func NewFatPtr[T any](id uint16, addr uint64) FatPtr[T] {
	return FatPtr[T]{raw: (uint64(id) << addressBits) | (addr & addressBitmask)}
}

// FromRaw reinterprets a raw 64-bit word (as exchanged on the wire) as a
// FatPtr without any validation.
func FromRaw[T any](raw uint64) FatPtr[T] { return FatPtr[T]{raw: raw} }

func (p FatPtr[T]) Raw() uint64 { return p.raw }

func (p FatPtr[T]) ID() uint16 { return uint16(p.raw >> addressBits) }

func (p FatPtr[T]) Address() uint64 { return p.raw & addressBitmask }

func (p FatPtr[T]) IsNil() bool { return p.raw == 0 }

// IsLocal reports whether this pointer addresses the given node.
func (p FatPtr[T]) IsLocal(selfID uint16) bool { return p.ID() == selfID }

func elemSize[T any]() uint64 {
	var zero T
	return uint64(unsafe.Sizeof(zero))
}

// Add returns the pointer advanced by n elements of T, matching
// rdma_ptr<T>::operator+=: the address component wraps within the
// 48-bit address space, the id component is untouched.
func (p FatPtr[T]) Add(n int64) FatPtr[T] {
	sz := elemSize[T]()
	delta := uint64(n) * sz
	addr := (p.Address() + delta) & addressBitmask
	return FatPtr[T]{raw: (p.raw & idBitmask) | addr}
}

func (p FatPtr[T]) Sub(n int64) FatPtr[T] { return p.Add(-n) }

// Cast reinterprets the pointer as addressing a value of a different type
// at the same raw address, the Go analogue of rdma_ptr<T>::cast<U>.
func Cast[U, T any](p FatPtr[T]) FatPtr[U] { return FatPtr[U]{raw: p.raw} }

func (p FatPtr[T]) Equal(o FatPtr[T]) bool { return p.raw == o.raw }

// Less gives FatPtr a total order on the raw word, with id as the primary
// key, so pointers can be used as sorted-map keys.
func (p FatPtr[T]) Less(o FatPtr[T]) bool { return p.raw < o.raw }

func (p FatPtr[T]) String() string {
	return fmt.Sprintf("FatPtr{id=%d, addr=%#x}", p.ID(), p.Address())
}
