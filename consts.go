package remus

/*
#include <infiniband/verbs.h>
*/
import "C"

// Constants mirrored from <infiniband/verbs.h> so the rest of the package
// can refer to them without an explicit C. prefix at every call site.
const (
	IBV_QPT_RC = C.IBV_QPT_RC

	IBV_ACCESS_LOCAL_WRITE  = C.IBV_ACCESS_LOCAL_WRITE
	IBV_ACCESS_REMOTE_WRITE = C.IBV_ACCESS_REMOTE_WRITE
	IBV_ACCESS_REMOTE_READ  = C.IBV_ACCESS_REMOTE_READ
	IBV_ACCESS_REMOTE_ATOMIC = C.IBV_ACCESS_REMOTE_ATOMIC

	IBV_WR_SEND             = C.IBV_WR_SEND
	IBV_WR_SEND_WITH_IMM    = C.IBV_WR_SEND_WITH_IMM
	IBV_WR_RDMA_WRITE       = C.IBV_WR_RDMA_WRITE
	IBV_WR_RDMA_WRITE_WITH_IMM = C.IBV_WR_RDMA_WRITE_WITH_IMM
	IBV_WR_RDMA_READ        = C.IBV_WR_RDMA_READ
	IBV_WR_ATOMIC_CMP_AND_SWP = C.IBV_WR_ATOMIC_CMP_AND_SWP
	IBV_WR_ATOMIC_FETCH_AND_ADD = C.IBV_WR_ATOMIC_FETCH_AND_ADD

	IBV_SEND_SIGNALED = C.IBV_SEND_SIGNALED
	IBV_SEND_INLINE   = C.IBV_SEND_INLINE
	IBV_SEND_FENCE    = C.IBV_SEND_FENCE

	IBV_WC_SUCCESS      = C.IBV_WC_SUCCESS
	IBV_WC_WR_FLUSH_ERR = C.IBV_WC_WR_FLUSH_ERR

	IBV_MTU_256  = C.IBV_MTU_256
	IBV_MTU_512  = C.IBV_MTU_512
	IBV_MTU_1024 = C.IBV_MTU_1024
	IBV_MTU_2048 = C.IBV_MTU_2048
	IBV_MTU_4096 = C.IBV_MTU_4096
)

// QPClosedErr is returned when posting a work request against a queue pair
// that has already been torn down.
var QPClosedErr = ErrClosed
