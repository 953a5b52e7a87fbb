// Package environment models the information the kernel receives from the
// bootloader. The structures here are API/ABI-stable and may not be changed.
package environment

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/iolojz/UtopiaOS/memutils"
	"github.com/iolojz/UtopiaOS/uefi"
)

// Environment is the versioned handoff record passed to the kernel entry
// point. Data points at the version-specific payload.
type Environment struct {
	Data                   uintptr
	Version                uint32
	LeastCompatibleVersion uint32
}

// V1 returns the version-1 payload of the environment. It fails if the
// bootloader demands a newer protocol than this kernel implements.
func (e *Environment) V1() (*EnvironmentV1, error) {
	if e.LeastCompatibleVersion != 1 {
		return nil, errors.Errorf(
			"environment requires protocol version %d, this kernel implements version 1",
			e.LeastCompatibleVersion)
	}
	return (*EnvironmentV1)(unsafe.Pointer(e.Data)), nil
}

// EnvironmentV1 is the payload a version-1 compliant bootloader provides.
type EnvironmentV1 struct {
	// KernelImageRegion is where the kernel binary is loaded.
	KernelImageRegion memutils.MemoryRegion
	// KernelStackRegion is where the kernel stack is located.
	KernelStackRegion memutils.MemoryRegion

	// Memmap is the firmware memory map.
	Memmap uefi.MemoryMap
}

// OccupiedMemory returns the regions the boot handoff leaves in use before
// the kernel has allocated anything: the firmware map's own storage, the
// environment record itself, and the kernel image and stack.
func (e *EnvironmentV1) OccupiedMemory() [4]memutils.MemoryRegion {
	return [4]memutils.MemoryRegion{
		e.Memmap.OccupiedMemory(),
		memutils.NewMemoryRegion(uintptr(unsafe.Pointer(e)), unsafe.Sizeof(*e)),
		e.KernelImageRegion,
		e.KernelStackRegion,
	}
}
