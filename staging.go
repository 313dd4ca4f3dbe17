package remus

import "unsafe"

// localWordBuf exposes a single uint64 local variable as the unsafe
// pointer the one-sided op builders want for their local SGE. Used for
// the small fixed-size results of CAS/FAA (the pre-op value the device
// writes back) where allocating a byte slice would be overkill.
func localWordBuf(v *uint64) unsafe.Pointer { return unsafe.Pointer(v) }

// localBufPtr is the byte-slice equivalent of localWordBuf, for ops whose
// local side is a staged buffer rather than a single word.
func localBufPtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
