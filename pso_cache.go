// pso_cache.go - Persistent pipeline-state cache with replay and merge

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
pso_cache.go - Content-addressed PSO archive

Every sampler / YCbCr conversion / descriptor-set layout / pipeline
layout / render pass / shader module / pipeline creation is recorded
into a per-process append-only archive under cache://fossilize/. On
startup, the write archives left behind by previous runs are merged
into one read-only db.foz (exclusive claim via merge.foz so only one
process performs the merge), the shipped assets archive is promoted on
iteration mismatch, and db.foz is replayed into the live device through
a feature filter which silently drops entries the device cannot
support.

Archive layout on disk:

	magic "FOZB" | u32 version
	entry*: u32 tag | u64 hash | u32 size | payload bytes

Entries are content-addressed: hash = FNV-1a(tag || payload). Replay of
the same archive against the same device is idempotent; rejected
entries stay rejected.
*/

package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

type FossilizeHash uint64

type ResourceTag uint32

const (
	ResourceApplicationInfo ResourceTag = iota
	ResourceSampler
	ResourceSamplerYcbcrConversion
	ResourceDescriptorSetLayout
	ResourcePipelineLayout
	ResourceRenderPass
	ResourceShaderModule
	ResourceGraphicsPipeline
	ResourceComputePipeline
	resourceTagCount
)

var resourceTagNames = [resourceTagCount]string{
	"application-info",
	"sampler",
	"sampler-ycbcr-conversion",
	"descriptor-set-layout",
	"pipeline-layout",
	"render-pass",
	"shader-module",
	"graphics-pipeline",
	"compute-pipeline",
}

func (t ResourceTag) String() string {
	if int(t) < len(resourceTagNames) {
		return resourceTagNames[t]
	}
	return "unknown"
}

const (
	fozMagic   = "FOZB"
	fozVersion = 1
)

// HashResource computes the content address for an entry.
func HashResource(tag ResourceTag, payload []byte) FossilizeHash {
	h := fnv.New64a()
	var tagBytes [4]byte
	binary.LittleEndian.PutUint32(tagBytes[:], uint32(tag))
	h.Write(tagBytes[:])
	h.Write(payload)
	return FossilizeHash(h.Sum64())
}

type archiveEntryKey struct {
	tag  ResourceTag
	hash FossilizeHash
}

// ------------------------------------------------------------------------------
// StreamArchive
// ------------------------------------------------------------------------------

// StreamArchive is an in-memory view of one .foz file.
type StreamArchive struct {
	entries map[archiveEntryKey][]byte
	// order preserves first-seen ordering per tag for deterministic replay.
	order map[ResourceTag][]FossilizeHash
}

func newStreamArchive() *StreamArchive {
	return &StreamArchive{
		entries: make(map[archiveEntryKey][]byte),
		order:   make(map[ResourceTag][]FossilizeHash),
	}
}

func (a *StreamArchive) add(tag ResourceTag, hash FossilizeHash, payload []byte) {
	key := archiveEntryKey{tag, hash}
	if _, exists := a.entries[key]; exists {
		return
	}
	a.entries[key] = payload
	a.order[tag] = append(a.order[tag], hash)
}

func (a *StreamArchive) HashesForTag(tag ResourceTag) []FossilizeHash {
	return a.order[tag]
}

func (a *StreamArchive) ReadEntry(tag ResourceTag, hash FossilizeHash) ([]byte, bool) {
	payload, ok := a.entries[archiveEntryKey{tag, hash}]
	return payload, ok
}

func (a *StreamArchive) EntryCount() int {
	return len(a.entries)
}

// OpenStreamArchive parses a .foz file. Truncated trailing entries are
// dropped; a process may have died mid-append.
func OpenStreamArchive(path string) (*StreamArchive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var header [8]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, fmt.Errorf("short archive header: %w", err)
	}
	if string(header[:4]) != fozMagic {
		return nil, fmt.Errorf("bad archive magic in %s", path)
	}
	if binary.LittleEndian.Uint32(header[4:]) != fozVersion {
		return nil, fmt.Errorf("unsupported archive version in %s", path)
	}

	archive := newStreamArchive()
	var entryHeader [16]byte
	for {
		if _, err := io.ReadFull(f, entryHeader[:]); err != nil {
			break
		}
		tag := ResourceTag(binary.LittleEndian.Uint32(entryHeader[0:]))
		hash := FossilizeHash(binary.LittleEndian.Uint64(entryHeader[4:]))
		size := binary.LittleEndian.Uint32(entryHeader[12:])
		payload := make([]byte, size)
		if _, err := io.ReadFull(f, payload); err != nil {
			break
		}
		if tag >= resourceTagCount {
			continue
		}
		archive.add(tag, hash, payload)
	}
	return archive, nil
}

// ------------------------------------------------------------------------------
// AppendArchive
// ------------------------------------------------------------------------------

// AppendArchive is the per-process write database. Appends are
// serialized on a background goroutine so record calls never block on
// disk.
type AppendArchive struct {
	mu     sync.Mutex
	file   *os.File
	seen   map[archiveEntryKey]bool
	writes chan appendRecord
	done   chan struct{}
}

type appendRecord struct {
	tag     ResourceTag
	hash    FossilizeHash
	payload []byte
}

func NewAppendArchive(path string) (*AppendArchive, error) {
	fresh := false
	if _, err := os.Stat(path); err != nil {
		fresh = true
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if fresh {
		var header [8]byte
		copy(header[:4], fozMagic)
		binary.LittleEndian.PutUint32(header[4:], fozVersion)
		if _, err := f.Write(header[:]); err != nil {
			f.Close()
			return nil, err
		}
	}

	a := &AppendArchive{
		file:   f,
		seen:   make(map[archiveEntryKey]bool),
		writes: make(chan appendRecord, 256),
		done:   make(chan struct{}),
	}
	go a.writeLoop()
	return a, nil
}

func (a *AppendArchive) writeLoop() {
	defer close(a.done)
	for rec := range a.writes {
		var entryHeader [16]byte
		binary.LittleEndian.PutUint32(entryHeader[0:], uint32(rec.tag))
		binary.LittleEndian.PutUint64(entryHeader[4:], uint64(rec.hash))
		binary.LittleEndian.PutUint32(entryHeader[12:], uint32(len(rec.payload)))
		if _, err := a.file.Write(entryHeader[:]); err != nil {
			logWarn("pso cache append failed: %v", err)
			continue
		}
		if _, err := a.file.Write(rec.payload); err != nil {
			logWarn("pso cache append failed: %v", err)
		}
	}
}

func (a *AppendArchive) Record(tag ResourceTag, hash FossilizeHash, payload []byte) {
	a.mu.Lock()
	key := archiveEntryKey{tag, hash}
	if a.seen[key] {
		a.mu.Unlock()
		return
	}
	a.seen[key] = true
	a.mu.Unlock()
	a.writes <- appendRecord{tag, hash, payload}
}

func (a *AppendArchive) Close() error {
	close(a.writes)
	<-a.done
	return a.file.Close()
}

// mergeStreamArchives writes the deduplicated union of sources into
// target (first occurrence wins).
func mergeStreamArchives(target string, sources []string) bool {
	merged := newStreamArchive()
	for _, src := range sources {
		archive, err := OpenStreamArchive(src)
		if err != nil {
			logWarn("pso cache merge: skipping %s: %v", src, err)
			continue
		}
		for tag := ResourceTag(0); tag < resourceTagCount; tag++ {
			for _, hash := range archive.HashesForTag(tag) {
				payload, _ := archive.ReadEntry(tag, hash)
				merged.add(tag, hash, payload)
			}
		}
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()

	var header [8]byte
	copy(header[:4], fozMagic)
	binary.LittleEndian.PutUint32(header[4:], fozVersion)
	if _, err := f.Write(header[:]); err != nil {
		return false
	}
	for tag := ResourceTag(0); tag < resourceTagCount; tag++ {
		for _, hash := range merged.HashesForTag(tag) {
			payload, _ := merged.ReadEntry(tag, hash)
			var entryHeader [16]byte
			binary.LittleEndian.PutUint32(entryHeader[0:], uint32(tag))
			binary.LittleEndian.PutUint64(entryHeader[4:], uint64(hash))
			binary.LittleEndian.PutUint32(entryHeader[12:], uint32(len(payload)))
			if _, err := f.Write(entryHeader[:]); err != nil {
				return false
			}
			if _, err := f.Write(payload); err != nil {
				return false
			}
		}
	}
	return true
}

// ------------------------------------------------------------------------------
// Feature filter
// ------------------------------------------------------------------------------

// Resource payloads are canonical JSON and may declare required device
// features by name; the filter rejects entries whose requirements the
// device cannot meet. Rejections are not errors.
type FeatureFilter interface {
	ResourceSupported(tag ResourceTag, payload []byte) bool
}

type featureRequirements struct {
	RequiredFeatures []string `json:"required_features,omitempty"`
}

// DeviceFeatureFilter checks payload feature requirements against the
// device capability set.
type DeviceFeatureFilter struct {
	Features DeviceFeatures
}

func (f *DeviceFeatureFilter) supports(name string) bool {
	switch name {
	case "subgroup-ops":
		return f.Features.SubgroupOps
	case "subgroup-shuffle":
		return f.Features.SubgroupShuffle
	case "subgroup-fragment":
		return f.Features.SubgroupFragment
	case "subgroup-compute":
		return f.Features.SubgroupCompute
	case "video-decode":
		return f.Features.VideoDecode
	case "video-encode":
		return f.Features.VideoEncode
	case "storage-image-srgb":
		return f.Features.StorageImageSRGB
	case "bindless":
		return f.Features.Bindless
	default:
		return false
	}
}

func (f *DeviceFeatureFilter) ResourceSupported(tag ResourceTag, payload []byte) bool {
	var reqs featureRequirements
	if err := json.Unmarshal(payload, &reqs); err != nil {
		// Unparseable entries are treated as corrupt and dropped.
		return false
	}
	for _, name := range reqs.RequiredFeatures {
		if !f.supports(name) {
			return false
		}
	}
	return true
}

// ------------------------------------------------------------------------------
// Recorder
// ------------------------------------------------------------------------------

// FossilizeRecorder captures resource creations into the per-process
// append archive.
type FossilizeRecorder struct {
	archive *AppendArchive
}

func NewFossilizeRecorder(archive *AppendArchive) *FossilizeRecorder {
	return &FossilizeRecorder{archive: archive}
}

func (r *FossilizeRecorder) RecordResource(tag ResourceTag, payload []byte) FossilizeHash {
	hash := HashResource(tag, payload)
	if r != nil && r.archive != nil {
		r.archive.Record(tag, hash, payload)
	}
	return hash
}

func (r *FossilizeRecorder) RecordSampler(payload []byte) FossilizeHash {
	return r.RecordResource(ResourceSampler, payload)
}

func (r *FossilizeRecorder) RecordSamplerYcbcrConversion(payload []byte) FossilizeHash {
	return r.RecordResource(ResourceSamplerYcbcrConversion, payload)
}

func (r *FossilizeRecorder) RecordDescriptorSetLayout(payload []byte) FossilizeHash {
	return r.RecordResource(ResourceDescriptorSetLayout, payload)
}

func (r *FossilizeRecorder) RecordPipelineLayout(payload []byte) FossilizeHash {
	return r.RecordResource(ResourcePipelineLayout, payload)
}

func (r *FossilizeRecorder) RecordRenderPass(payload []byte) FossilizeHash {
	return r.RecordResource(ResourceRenderPass, payload)
}

func (r *FossilizeRecorder) RecordShaderModule(payload []byte) FossilizeHash {
	return r.RecordResource(ResourceShaderModule, payload)
}

func (r *FossilizeRecorder) RecordGraphicsPipeline(payload []byte) FossilizeHash {
	return r.RecordResource(ResourceGraphicsPipeline, payload)
}

func (r *FossilizeRecorder) RecordComputePipeline(payload []byte) FossilizeHash {
	return r.RecordResource(ResourceComputePipeline, payload)
}

// ------------------------------------------------------------------------------
// Replay
// ------------------------------------------------------------------------------

// ReplayDevice recreates one resource from its recorded payload.
// Failures are logged and dropped; the rest of the archive continues.
type ReplayDevice interface {
	ReplayResource(tag ResourceTag, hash FossilizeHash, payload []byte) bool
}

// ReplayProgress exposes warm-up progress for UI/stat consumers.
type ReplayProgress struct {
	Prepare   atomic.Uint32
	Modules   atomic.Uint32
	Pipelines atomic.Uint32
}

// PSOCache ties the record and replay sides together for one device.
type PSOCache struct {
	fs       *Filesystem
	group    *ThreadGroup
	recorder *FossilizeRecorder
	Progress ReplayProgress
}

const psoReplayWorkers = 8

// InitPipelineState performs the full startup sequence: cache folder
// maintenance, write-cache merge, assets promotion, concurrent replay
// of the read-only archive, and recorder kick-off. Blocks until warmed.
func InitPipelineState(fs *Filesystem, group *ThreadGroup, dev ReplayDevice,
	filter FeatureFilter, procName string) (*PSOCache, error) {
	cache := &PSOCache{fs: fs, group: group}

	maintenanceTask := group.CreateTask(func() {
		// Liveness marker; also forces the cache folder into existence.
		if err := fs.Touch("cache://fossilize/TOUCH"); err != nil {
			logWarn("failed to touch fossilize cache: %v", err)
		}
		cache.Progress.Prepare.Add(20)
		cache.promoteWriteCacheToReadonly()
		cache.Progress.Prepare.Add(50)
		cache.promoteReadonlyDBFromAssets()
		cache.Progress.Prepare.Add(20)
	})
	maintenanceTask.SetDesc("foz-cache-maintenance")

	recorderKick := group.CreateTaskGroup()
	recorderKick.SetDesc("foz-recorder-kick")
	recorderKick.Enqueue(func() {
		writePath := fs.FilesystemPath(fmt.Sprintf("cache://fossilize/%s.%d.foz", procName, os.Getpid()))
		if writePath != "" {
			archive, err := NewAppendArchive(writePath)
			if err != nil {
				logWarn("failed to open pso write cache: %v", err)
			} else {
				cache.recorder = NewFossilizeRecorder(archive)
			}
		}
		cache.Progress.Prepare.Add(10)
	})
	group.AddDependency(recorderKick, maintenanceTask)

	replayTask := group.CreateTaskGroup()
	replayTask.SetDesc("foz-replay")
	replayTask.Enqueue(func() {
		cache.replayArchive(dev, filter)
	})
	group.AddDependency(replayTask, maintenanceTask)

	maintenanceTask.Flush()
	recorderKick.Flush()
	replayTask.Flush()

	recorderKick.Wait()
	replayTask.Wait()
	return cache, nil
}

func (c *PSOCache) Recorder() *FossilizeRecorder {
	return c.recorder
}

func (c *PSOCache) Close() {
	if c.recorder != nil && c.recorder.archive != nil {
		c.recorder.archive.Close()
	}
}

// promoteWriteCacheToReadonly merges the write archives left by
// previous processes into db.foz. Only one process can claim the merge
// at a time.
func (c *PSOCache) promoteWriteCacheToReadonly() {
	list := c.fs.List("cache://fossilize")
	var mergePaths, delPaths []string
	haveReadOnly := false

	for _, l := range list {
		switch {
		case l.Type != PathTypeFile,
			l.Path == "fossilize/iteration",
			l.Path == "fossilize/TOUCH":
			continue
		case l.Path == "fossilize/db.foz":
			haveReadOnly = true
			logInfo("fossilize: found read-only cache")
			continue
		case l.Path == "fossilize/merge.foz":
			delPaths = append(delPaths, "cache://fossilize/merge.foz")
			continue
		case strings.HasSuffix(l.Path, ".foz"):
			p := "cache://" + l.Path
			mergePaths = append(mergePaths, p)
			delPaths = append(delPaths, p)
			logInfo("fossilize: found write cache: %s", p)
		}
	}

	switch {
	case !haveReadOnly && len(mergePaths) == 1:
		logInfo("fossilize: no read cache and one write cache, replacing directly")
		if c.fs.MoveReplace("cache://fossilize/db.foz", mergePaths[0]) {
			logInfo("fossilize: promoted write-only cache")
		} else {
			logWarn("fossilize: failed to promote write-only cache")
		}
		delPaths = delPaths[:0]

	case len(mergePaths) > 0:
		mergeTarget := c.fs.FilesystemPath("cache://fossilize/merge.foz")
		var shouldMerge bool
		if haveReadOnly {
			logInfo("fossilize: attempting to merge caches")
			// Exclusive claim; one process wins until merge.foz is gone.
			shouldMerge = c.fs.MoveYield("cache://fossilize/merge.foz", "cache://fossilize/db.foz")
		} else {
			f, err := os.OpenFile(mergeTarget, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
			if err == nil {
				f.Close()
				shouldMerge = true
			}
		}

		if shouldMerge {
			real := make([]string, 0, len(mergePaths)+1)
			if haveReadOnly {
				real = append(real, c.fs.FilesystemPath("cache://fossilize/db.foz"))
			}
			for _, p := range mergePaths {
				real = append(real, c.fs.FilesystemPath(p))
			}
			if mergeStreamArchives(mergeTarget, real) {
				if c.fs.MoveReplace("cache://fossilize/db.foz", "cache://fossilize/merge.foz") {
					logInfo("fossilize: successfully merged caches")
				} else {
					logWarn("fossilize: failed to replace existing read-only database")
				}
			} else {
				logWarn("fossilize: failed to merge databases")
			}
		} else {
			logWarn("fossilize: skipping merge, could not take exclusive claim")
		}

	default:
		logInfo("fossilize: no write-only files, nothing to do")
	}

	// Stale write caches go away even when the merge raced; losing a
	// cache to a concurrent process is acceptable.
	for _, p := range delPaths {
		c.fs.Remove(p)
	}
}

// promoteReadonlyDBFromAssets copies the shipped archive into the
// cache when missing or when the iteration strings mismatch.
func (c *PSOCache) promoteReadonlyDBFromAssets() {
	_, cacheExists := c.fs.Stat("cache://fossilize/db.foz")
	_, assetsExists := c.fs.Stat("assets://fossilize/db.foz")

	overwrite := false
	if assetsExists {
		if !cacheExists {
			overwrite = true
		} else {
			cacheIter, okCache := c.fs.ReadFileToString("cache://fossilize/iteration")
			assetIter, okAsset := c.fs.ReadFileToString("assets://fossilize/iteration")
			if !okCache || !okAsset || cacheIter != assetIter {
				overwrite = true
			}
		}
	}

	if !overwrite {
		return
	}

	data, err := c.fs.ReadFile("assets://fossilize/db.foz")
	if err != nil {
		logError("failed to open shipped fossilize archive: %v", err)
		return
	}
	if err := c.fs.WriteFile("cache://fossilize/db.foz", data); err != nil {
		logError("failed to write cache://fossilize/db.foz: %v", err)
		return
	}
	if iter, ok := c.fs.ReadFileToString("assets://fossilize/iteration"); ok {
		c.fs.WriteFile("cache://fossilize/iteration", []byte(iter))
	}
}

// replayArchive warms the device from db.foz. Small resource types
// replay inline in dependency order; shader modules and pipelines fan
// out across workers.
func (c *PSOCache) replayArchive(dev ReplayDevice, filter FeatureFilter) {
	readPath := c.fs.FilesystemPath("cache://fossilize/db.foz")
	if readPath == "" {
		c.Progress.Modules.Store(^uint32(0))
		c.Progress.Pipelines.Store(^uint32(0))
		return
	}
	archive, err := OpenStreamArchive(readPath)
	if err != nil {
		logWarn("failed to prepare read-only cache: %v", err)
		c.Progress.Modules.Store(^uint32(0))
		c.Progress.Pipelines.Store(^uint32(0))
		return
	}

	replayOne := func(tag ResourceTag, hash FossilizeHash) {
		payload, ok := archive.ReadEntry(tag, hash)
		if !ok {
			return
		}
		if filter != nil && !filter.ResourceSupported(tag, payload) {
			// Feature-filtered entries are silently skipped.
			return
		}
		if !dev.ReplayResource(tag, hash, payload) {
			logWarn("failed to replay %s object %016x", tag, uint64(hash))
		}
	}

	for _, tag := range []ResourceTag{
		ResourceSampler,
		ResourceSamplerYcbcrConversion,
		ResourceDescriptorSetLayout,
		ResourcePipelineLayout,
		ResourceRenderPass,
	} {
		for _, hash := range archive.HashesForTag(tag) {
			replayOne(tag, hash)
		}
	}

	modules := archive.HashesForTag(ResourceShaderModule)
	pipelines := append(append([]FossilizeHash(nil),
		archive.HashesForTag(ResourceGraphicsPipeline)...),
		archive.HashesForTag(ResourceComputePipeline)...)
	graphicsCount := len(archive.HashesForTag(ResourceGraphicsPipeline))

	var bar *progressbar.ProgressBar
	if logStyledOutput {
		bar = progressbar.NewOptions(len(modules)+len(pipelines),
			progressbar.OptionSetDescription("pso warm-up"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish())
	}

	var eg errgroup.Group
	eg.SetLimit(psoReplayWorkers)
	for _, hash := range modules {
		eg.Go(func() error {
			replayOne(ResourceShaderModule, hash)
			c.Progress.Modules.Add(1)
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	eg.Wait()

	for i, hash := range pipelines {
		tag := ResourceGraphicsPipeline
		if i >= graphicsCount {
			tag = ResourceComputePipeline
		}
		eg.Go(func() error {
			replayOne(tag, hash)
			c.Progress.Pipelines.Add(1)
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	eg.Wait()
	if bar != nil {
		bar.Finish()
	}
}
