// Package uefi provides read-only views over the memory description handed
// to the kernel by UEFI-compatible firmware. Nothing in this package owns
// memory; all structures alias storage provided by the bootloader.
package uefi

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/iolojz/UtopiaOS/memutils"
)

// MemoryType is equivalent to the UEFI type EFI_MEMORY_TYPE.
type MemoryType uint32

const (
	EfiReservedMemoryType MemoryType = iota
	EfiLoaderCode
	EfiLoaderData
	EfiBootServicesCode
	EfiBootServicesData
	EfiRuntimeServicesCode
	EfiRuntimeServicesData
	EfiConventionalMemory
	EfiUnusableMemory
	EfiACPIReclaimMemory
	EfiACPIMemoryNVS
	EfiMemoryMappedIO
	EfiMemoryMappedIOPortSpace
	EfiPalCode
	EfiMaxMemoryType
)

// PageSize is the UEFI pagesize (4 KiB). Firmware always counts pages in
// this unit regardless of the kernel's own pagesize.
const PageSize uintptr = 1 << 12

// Memory attribute definitions, equivalent to the UEFI EFI_MEMORY_* bits.
const (
	MemoryUC      uint64 = 1 << 0
	MemoryWC      uint64 = 1 << 1
	MemoryWT      uint64 = 1 << 2
	MemoryWB      uint64 = 1 << 3
	MemoryUCE     uint64 = 1 << 4
	MemoryWP      uint64 = 1 << 12
	MemoryRP      uint64 = 1 << 13
	MemoryXP      uint64 = 1 << 14
	MemoryRuntime uint64 = 1 << 63
)

// DescriptorV1 is the layout of a UEFI memory descriptor when the firmware
// reports EFI_MEMORY_DESCRIPTOR_VERSION 1.
type DescriptorV1 struct {
	Type          MemoryType
	_             uint32
	PhysicalStart uint64 // 4 KiB aligned
	VirtualStart  uint64 // 4 KiB aligned
	NumberOfPages uint64 // number of 4 KiB pages
	Attribute     uint64
}

// MemoryMap is essentially the result of a call to GetMemoryMap() in UEFI.
// The descriptor storage is owned by the firmware and deliberately untyped:
// DescriptorSize is runtime data and may exceed the size of DescriptorV1,
// because future firmware revisions are allowed to append fields. Extra
// trailing bytes of each entry are ignored.
type MemoryMap struct {
	Descriptors            uintptr
	NumberOfDescriptors    uintptr
	DescriptorSize         uintptr
	DescriptorVersion      uint32
	LeastCompatibleVersion uint32
}

// Validate checks that the map can be read through the v1 view.
func (m *MemoryMap) Validate() error {
	if m.DescriptorSize < unsafe.Sizeof(DescriptorV1{}) {
		return errors.Errorf(
			"descriptor stride %d is smaller than the v1 descriptor layout (%d bytes)",
			m.DescriptorSize, unsafe.Sizeof(DescriptorV1{}))
	}
	if m.LeastCompatibleVersion != 1 {
		return errors.Errorf(
			"memory map requires descriptor version %d, this kernel reads version 1",
			m.LeastCompatibleVersion)
	}
	return nil
}

func (m *MemoryMap) Count() int {
	return int(m.NumberOfDescriptors)
}

// DescriptorAt interprets the first sizeof(DescriptorV1) bytes of the i-th
// stride-sized entry as a v1 descriptor. The returned pointer aliases
// firmware-owned storage and must be treated as read-only. Reading is safe
// iff NumberOfDescriptors*DescriptorSize bytes are readable at Descriptors.
func (m *MemoryMap) DescriptorAt(i int) *DescriptorV1 {
	memutils.DebugAssert(i >= 0 && i < m.Count(), "descriptor index out of range")
	return (*DescriptorV1)(unsafe.Pointer(m.Descriptors + uintptr(i)*m.DescriptorSize))
}

// Visit walks the descriptors in firmware order until visit returns false.
func (m *MemoryMap) Visit(visit func(i int, desc *DescriptorV1) bool) {
	for i := 0; i < m.Count(); i++ {
		if !visit(i, m.DescriptorAt(i)) {
			return
		}
	}
}

// OccupiedMemory returns the region the descriptor array itself occupies.
// That storage stays live for the kernel's whole lifetime and must be kept
// out of the general-purpose pool.
func (m *MemoryMap) OccupiedMemory() memutils.MemoryRegion {
	return memutils.NewMemoryRegion(m.Descriptors, m.NumberOfDescriptors*m.DescriptorSize)
}
