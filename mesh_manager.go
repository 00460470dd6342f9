// mesh_manager.go - Mesh registration with explicit result semantics

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

import (
	"errors"
	"sync"
)

var (
	ErrEmptyScene          = errors.New("mesh manager: scene contains no meshes")
	ErrUnsupportedSkinning = errors.New("mesh manager: skinned meshes are not supported")
)

// MeshHandle identifies a registered mesh by cookie.
type MeshHandle uint64

// Mesh is the registration payload: position/attribute streams plus
// draw metadata the renderers turn into draw packets.
type Mesh struct {
	Positions []float32
	Indices   []uint32
	Skinned   bool
	AABBMin   Vec3
	AABBMax   Vec3
}

type MeshManager struct {
	mu     sync.Mutex
	meshes map[MeshHandle]*Mesh
}

func NewMeshManager() *MeshManager {
	return &MeshManager{meshes: make(map[MeshHandle]*Mesh)}
}

// RegisterMesh validates and stores a scene's meshes. Empty scenes and
// skinned content are refused with sentinel errors callers propagate.
func (m *MeshManager) RegisterMesh(meshes []*Mesh) ([]MeshHandle, error) {
	if len(meshes) == 0 {
		return nil, ErrEmptyScene
	}
	for _, mesh := range meshes {
		if mesh.Skinned {
			return nil, ErrUnsupportedSkinning
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	handles := make([]MeshHandle, 0, len(meshes))
	for _, mesh := range meshes {
		handle := MeshHandle(NewCookie())
		m.meshes[handle] = mesh
		handles = append(handles, handle)
	}
	return handles, nil
}

func (m *MeshManager) Mesh(handle MeshHandle) (*Mesh, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mesh, ok := m.meshes[handle]
	return mesh, ok
}

func (m *MeshManager) Unregister(handle MeshHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.meshes, handle)
}
