// Package wire describes the fixed host protocol of the pipe device: register
// offsets, command codes, status codes, and the layout of the pages the guest
// shares with the host.
package wire

// PageSize is the protocol page size. Command buffers and the device buffers
// each occupy exactly one page, and DMA regions are sized in whole pages.
const PageSize = 4096

// PageMask masks the page-offset bits of an address.
const PageMask = ^uint64(PageSize - 1)

const (
	DriverVersion = 4 // reported by the guest; 4 means v2 with DMA support
	DeviceVersion = 2 // minimum device version the guest supports
)

const (
	MaxBuffersPerCommand = 336
	MaxSignalledPipes    = 64
)

// register offsets

const (
	RegCmd               = 0  // pipe id, triggers command processing (W)
	RegSignalBufferHigh  = 4  // signal buffer GPA, high word (W)
	RegSignalBuffer      = 8  // signal buffer GPA, low word (W)
	RegSignalBufferCount = 12 // signal buffer capacity in entries (W)
	RegOpenBufferHigh    = 20 // open params GPA, high word (W)
	RegOpenBuffer        = 24 // open params GPA, low word (W)
	RegVersion           = 36 // driver version (W), device version (R)
	RegGetSignalled      = 48 // drains signalled pipes into the signal buffer, returns the count (R)
)
