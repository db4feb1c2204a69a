//go:build linux

package park

import (
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operation constants. x/sys/unix does not export these
// (they're UAPI flags, not syscall numbers), so they're defined here.
const (
	futexWait        = 0
	futexWake        = 1
	futexPrivateFlag = 128
)

// futexParker implements Parker on the Linux futex syscall, operating
// directly on the 32-bit word. With private set, FUTEX_PRIVATE_FLAG is used,
// restricting the parker to one process but avoiding the shared-mapping
// lookup in the kernel.
type futexParker struct {
	flagMask uintptr
}

// NewFutex returns a futex-backed parker. Pass private as false when the
// word lives in a mapping shared across processes.
func NewFutex(private bool) Parker {
	x := &futexParker{}
	if private {
		x.flagMask = futexPrivateFlag
	}
	return x
}

func (x *futexParker) Park(addr *uint32, expected uint32, timeout time.Duration) Result {
	var tsp *unix.Timespec
	if timeout == 0 {
		if atomic.LoadUint32(addr) != expected {
			return NotEqual
		}
		return TimedOut
	}
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsp = &ts
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWait)|x.flagMask,
		uintptr(expected),
		uintptr(unsafe.Pointer(tsp)),
		0, 0,
	)
	switch errno {
	case unix.EAGAIN:
		return NotEqual
	case unix.ETIMEDOUT:
		return TimedOut
	default:
		// 0, or EINTR: FUTEX_WAIT uses a relative timeout, so a precise
		// resumption would need deadline arithmetic; callers re-check their
		// condition on spurious wake-ups, so report Ok.
		return Ok
	}
}

func (x *futexParker) Unpark(addr *uint32, count int) int {
	n := uintptr(count)
	if count < 0 {
		n = math.MaxInt32
	}
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWake)|x.flagMask,
		n,
		0, 0, 0,
	)
	if errno != 0 {
		return 0
	}
	return int(r1)
}
