package x86

import (
	"encoding/binary"
	"fmt"
)

var busEndian = binary.LittleEndian

// MemoryBus defines the interface for guest physical memory access.
type MemoryBus interface {
	Read(addr uint64, size int) (uint64, error)
	Write(addr uint64, size int, value uint64) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write8(addr uint64, value uint8) error
	Write16(addr uint64, value uint16) error
	Write32(addr uint64, value uint32) error
	Write64(addr uint64, value uint64) error
	ReadBytes(addr uint64, p []byte) error
}

// PortIO is the legacy x86 port I/O interface (IN/OUT).
type PortIO interface {
	In(port uint16, size int) uint32
	Out(port uint16, size int, value uint32)
}

// Bus is a flat guest-physical RAM bus starting at address 0.
//
// Every write is recorded in an internal write log so the embedder can
// forward touched ranges to the JIT runtime's page-version tracker after
// each step. Guest code pages cannot be modified behind the JIT's back as
// long as all stores go through the bus.
type Bus struct {
	RAM []byte

	// Port I/O backend; nil discards OUT and returns zero for IN
	Ports PortIO

	writeLog WriteLog
}

// NewBus creates a bus with the given RAM size.
func NewBus(ramSize uint64) *Bus {
	return &Bus{
		RAM: make([]byte, ramSize),
	}
}

// Size returns the size of guest RAM.
func (bus *Bus) Size() uint64 {
	return uint64(len(bus.RAM))
}

func (bus *Bus) check(addr uint64, size int) error {
	if addr+uint64(size) > uint64(len(bus.RAM)) || addr+uint64(size) < addr {
		return &ExceptionError{Vector: VectorMemoryFault, Addr: addr}
	}
	return nil
}

// Read reads a scalar of the given size from RAM.
func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	if err := bus.check(addr, size); err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(bus.RAM[addr]), nil
	case 2:
		return uint64(busEndian.Uint16(bus.RAM[addr:])), nil
	case 4:
		return uint64(busEndian.Uint32(bus.RAM[addr:])), nil
	case 8:
		return busEndian.Uint64(bus.RAM[addr:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

// Write writes a scalar of the given size to RAM and logs the range.
func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	if err := bus.check(addr, size); err != nil {
		return err
	}
	switch size {
	case 1:
		bus.RAM[addr] = byte(value)
	case 2:
		busEndian.PutUint16(bus.RAM[addr:], uint16(value))
	case 4:
		busEndian.PutUint32(bus.RAM[addr:], uint32(value))
	case 8:
		busEndian.PutUint64(bus.RAM[addr:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	bus.writeLog.Record(addr, size)
	return nil
}

func (bus *Bus) Read8(addr uint64) (uint8, error) {
	val, err := bus.Read(addr, 1)
	return uint8(val), err
}

func (bus *Bus) Read16(addr uint64) (uint16, error) {
	val, err := bus.Read(addr, 2)
	return uint16(val), err
}

func (bus *Bus) Read32(addr uint64) (uint32, error) {
	val, err := bus.Read(addr, 4)
	return uint32(val), err
}

func (bus *Bus) Read64(addr uint64) (uint64, error) {
	return bus.Read(addr, 8)
}

func (bus *Bus) Write8(addr uint64, value uint8) error {
	return bus.Write(addr, 1, uint64(value))
}

func (bus *Bus) Write16(addr uint64, value uint16) error {
	return bus.Write(addr, 2, uint64(value))
}

func (bus *Bus) Write32(addr uint64, value uint32) error {
	return bus.Write(addr, 4, uint64(value))
}

func (bus *Bus) Write64(addr uint64, value uint64) error {
	return bus.Write(addr, 8, value)
}

// ReadBytes fills p from RAM starting at addr.
func (bus *Bus) ReadBytes(addr uint64, p []byte) error {
	if err := bus.check(addr, len(p)); err != nil {
		return err
	}
	copy(p, bus.RAM[addr:])
	return nil
}

// LoadBytes copies data into RAM without logging a guest write. Use for
// host-side image loading before execution starts.
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	if err := bus.check(addr, len(data)); err != nil {
		return err
	}
	copy(bus.RAM[addr:], data)
	return nil
}

// In performs a port read through the configured PortIO backend.
func (bus *Bus) In(port uint16, size int) uint32 {
	if bus.Ports == nil {
		return 0
	}
	return bus.Ports.In(port, size)
}

// Out performs a port write through the configured PortIO backend.
func (bus *Bus) Out(port uint16, size int, value uint32) {
	if bus.Ports != nil {
		bus.Ports.Out(port, size, value)
	}
}

// DrainWriteLog invokes f for every write range recorded since the last
// drain, then clears the log.
func (bus *Bus) DrainWriteLog(f func(paddr uint64, length int)) {
	bus.writeLog.Drain(f)
}
