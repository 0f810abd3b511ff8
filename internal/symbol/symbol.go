package symbol

import "strings"

// Unknown is the name perf script prints for addresses it cannot resolve.
const Unknown = "[unknown]"

type Symbol struct {
	Name    string
	Address uint64
	Offset  uint64
}

// Base returns the entry address of the function the symbol belongs to.
func (s Symbol) Base() uint64 {
	if s.Address == 0 {
		return 0
	}
	return s.Address - s.Offset
}

func (s Symbol) IsUnknown() bool {
	return s.Name == Unknown
}

// IsKernel reports whether the symbol lives in the kernel half of the
// address space.
func (s Symbol) IsKernel() bool {
	return int64(s.Base()) < 0
}

func (s Symbol) IsUser() bool {
	return int64(s.Base()) > 0
}

// Equal compares by address alone. Two records for the same address may
// carry different names when symbolization was partial.
func (s Symbol) Equal(that Symbol) bool {
	return s.Address == that.Address
}

// Normalize strips linker decorations so that PLT stubs and versioned
// libc symbols aggregate with their targets.
//
//	pthread_mutex_lock$plt        -> pthread_mutex_lock
//	ceil@plt                      -> ceil
//	pthread_cond_timedwait@@GLIBC_2.3.2 -> pthread_cond_timedwait
func Normalize(name string) string {
	if len(name) > 4 && strings.HasSuffix(name, "plt") {
		switch name[len(name)-4] {
		case '@', '$':
			name = name[:len(name)-4]
		}
	}
	if i := strings.LastIndex(name, "@@GLIBC_"); i >= 0 {
		name = name[:i]
	}
	return name
}
