// vulkan_buffer.go - Host-visible buffer helpers for GPU data upload

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// Common usage masks for the helpers below.
const (
	bufferUsageStorage  = vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit)
	bufferUsageTransfer = vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit)
)

// DeviceBuffer pairs a VkBuffer with its backing allocation. The
// clusterer and video pipelines use host-visible buffers so CPU-built
// data (bitmasks, transforms, plane uploads) can be written directly.
type DeviceBuffer struct {
	device *Device
	buffer vk.Buffer
	memory vk.DeviceMemory
	size   int
}

func (d *Device) findMemoryType(typeFilter uint32, properties vk.MemoryPropertyFlags) (uint32, error) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(d.physicalDevice, &memProps)
	memProps.Deref()

	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memProps.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (memProps.MemoryTypes[i].PropertyFlags&properties) == properties {
			return i, nil
		}
	}
	return 0, fmt.Errorf("failed to find suitable memory type")
}

// CreateHostBuffer creates a host-visible, host-coherent buffer.
func (d *Device) CreateHostBuffer(size int, usage vk.BufferUsageFlags) (*DeviceBuffer, error) {
	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}

	var buffer vk.Buffer
	if res := vk.CreateBuffer(d.device, &bufferInfo, nil, &buffer); res != vk.Success {
		return nil, fmt.Errorf("vkCreateBuffer failed: %d", res)
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.device, buffer, &memReqs)
	memReqs.Deref()

	memTypeIndex, err := d.findMemoryType(memReqs.MemoryTypeBits,
		vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
	if err != nil {
		vk.DestroyBuffer(d.device, buffer, nil)
		return nil, err
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memTypeIndex,
	}

	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(d.device, &allocInfo, nil, &memory); res != vk.Success {
		vk.DestroyBuffer(d.device, buffer, nil)
		return nil, fmt.Errorf("vkAllocateMemory failed: %d", res)
	}
	vk.BindBufferMemory(d.device, buffer, memory, 0)

	return &DeviceBuffer{device: d, buffer: buffer, memory: memory, size: size}, nil
}

func (b *DeviceBuffer) Handle() vk.Buffer { return b.buffer }
func (b *DeviceBuffer) Size() int         { return b.size }

// Upload copies data into the buffer through a transient mapping.
func (b *DeviceBuffer) Upload(data []byte) {
	if len(data) > b.size {
		data = data[:b.size]
	}
	var ptr unsafe.Pointer
	vk.MapMemory(b.device.device, b.memory, 0, vk.DeviceSize(len(data)), 0, &ptr)
	vk.Memcopy(ptr, data)
	vk.UnmapMemory(b.device.device, b.memory)
}

// Readback copies the buffer contents out through a transient mapping.
func (b *DeviceBuffer) Readback(data []byte) {
	if len(data) > b.size {
		data = data[:b.size]
	}
	var ptr unsafe.Pointer
	vk.MapMemory(b.device.device, b.memory, 0, vk.DeviceSize(len(data)), 0, &ptr)
	copy(data, (*[1 << 30]byte)(ptr)[:len(data)])
	vk.UnmapMemory(b.device.device, b.memory)
}

func (b *DeviceBuffer) Destroy() {
	if b.buffer != vk.NullBuffer {
		vk.DestroyBuffer(b.device.device, b.buffer, nil)
		b.buffer = vk.NullBuffer
	}
	if b.memory != vk.NullDeviceMemory {
		vk.FreeMemory(b.device.device, b.memory, nil)
		b.memory = vk.NullDeviceMemory
	}
}

// uint32SliceBytes views a []uint32 as bytes for buffer upload.
func uint32SliceBytes(data []uint32) []byte {
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
}

// float32SliceBytes views a []float32 as bytes for buffer upload.
func float32SliceBytes(data []float32) []byte {
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
}
