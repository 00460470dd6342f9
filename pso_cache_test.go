// pso_cache_test.go - Tests for the PSO archive, merge and replay

package main

import (
	"path/filepath"
	"sync"
	"testing"
)

// recordingReplaySink captures replayed entries for inspection.
type recordingReplaySink struct {
	mu      sync.Mutex
	entries map[ResourceTag][]FossilizeHash
}

func newRecordingReplaySink() *recordingReplaySink {
	return &recordingReplaySink{entries: make(map[ResourceTag][]FossilizeHash)}
}

func (s *recordingReplaySink) ReplayResource(tag ResourceTag, hash FossilizeHash, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[tag] = append(s.entries[tag], hash)
	return true
}

func (s *recordingReplaySink) count(tag ResourceTag) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[tag])
}

func writeTestArchive(t *testing.T, path string, entries map[ResourceTag][][]byte) {
	t.Helper()
	archive, err := NewAppendArchive(path)
	if err != nil {
		t.Fatalf("NewAppendArchive(%s): %v", path, err)
	}
	for tag, payloads := range entries {
		for _, payload := range payloads {
			archive.Record(tag, HashResource(tag, payload), payload)
		}
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("archive close: %v", err)
	}
}

// TestArchiveRoundTrip verifies entries written to an append archive
// read back content-addressed.
func TestArchiveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.foz")
	payload := []byte(`{"mag_filter":"linear"}`)
	writeTestArchive(t, path, map[ResourceTag][][]byte{
		ResourceSampler: {payload},
	})

	archive, err := OpenStreamArchive(path)
	if err != nil {
		t.Fatalf("OpenStreamArchive: %v", err)
	}
	hashes := archive.HashesForTag(ResourceSampler)
	if len(hashes) != 1 {
		t.Fatalf("sampler count = %d, expected 1", len(hashes))
	}
	got, ok := archive.ReadEntry(ResourceSampler, hashes[0])
	if !ok || string(got) != string(payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
	if hashes[0] != HashResource(ResourceSampler, payload) {
		t.Fatal("content address mismatch")
	}
}

// TestArchiveDeduplicates verifies identical payloads collapse to one
// entry.
func TestArchiveDeduplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.foz")
	payload := []byte(`{"code":"abc"}`)
	writeTestArchive(t, path, map[ResourceTag][][]byte{
		ResourceShaderModule: {payload, payload, payload},
	})

	archive, err := OpenStreamArchive(path)
	if err != nil {
		t.Fatalf("OpenStreamArchive: %v", err)
	}
	if n := len(archive.HashesForTag(ResourceShaderModule)); n != 1 {
		t.Fatalf("module count = %d, expected 1", n)
	}
}

// TestStartupMerge verifies two write archives merge into one db.foz
// with cross-archive deduplication, and the write archives are
// removed.
func TestStartupMerge(t *testing.T) {
	cacheDir := t.TempDir()
	fs := NewFilesystem()
	fs.RegisterProtocol("cache", cacheDir)

	sampler := []byte(`{"mag":"nearest"}`)
	pipeA := []byte(`{"pipe":"a"}`)
	pipeB := []byte(`{"pipe":"b"}`)

	// W1: one sampler + one pipeline. W2: a second pipeline plus the
	// same sampler entry as W1.
	writeTestArchive(t, filepath.Join(cacheDir, "fossilize", "proc.100.foz"),
		map[ResourceTag][][]byte{
			ResourceSampler:          {sampler},
			ResourceGraphicsPipeline: {pipeA},
		})
	writeTestArchive(t, filepath.Join(cacheDir, "fossilize", "proc.200.foz"),
		map[ResourceTag][][]byte{
			ResourceSampler:          {sampler},
			ResourceGraphicsPipeline: {pipeB},
		})

	group := newTestThreadGroup(t)
	sink := newRecordingReplaySink()
	cache, err := InitPipelineState(fs, group, sink, nil, "test")
	if err != nil {
		t.Fatalf("InitPipelineState: %v", err)
	}
	defer cache.Close()

	db, err := OpenStreamArchive(filepath.Join(cacheDir, "fossilize", "db.foz"))
	if err != nil {
		t.Fatalf("merged db missing: %v", err)
	}
	if n := len(db.HashesForTag(ResourceSampler)); n != 1 {
		t.Fatalf("merged sampler count = %d, expected 1", n)
	}
	if n := len(db.HashesForTag(ResourceGraphicsPipeline)); n != 2 {
		t.Fatalf("merged pipeline count = %d, expected 2", n)
	}

	// The stale write archives must be gone.
	for _, name := range []string{"proc.100.foz", "proc.200.foz"} {
		if _, ok := fs.Stat("cache://fossilize/" + name); ok {
			t.Fatalf("write archive %s survived the merge", name)
		}
	}

	// Replay visited the merged archive.
	if sink.count(ResourceSampler) != 1 || sink.count(ResourceGraphicsPipeline) != 2 {
		t.Fatalf("replayed %d samplers / %d pipelines",
			sink.count(ResourceSampler), sink.count(ResourceGraphicsPipeline))
	}
}

// TestReplayIdempotent verifies replaying the same archive twice
// yields the same entry set and feature-filtered entries stay
// rejected.
func TestReplayIdempotent(t *testing.T) {
	cacheDir := t.TempDir()
	fs := NewFilesystem()
	fs.RegisterProtocol("cache", cacheDir)

	supported := []byte(`{"pipe":"plain"}`)
	unsupported := []byte(`{"pipe":"sg","required_features":["subgroup-fragment"]}`)
	writeTestArchive(t, filepath.Join(cacheDir, "fossilize", "proc.1.foz"),
		map[ResourceTag][][]byte{
			ResourceComputePipeline: {supported, unsupported},
		})

	filter := &DeviceFeatureFilter{Features: DeviceFeatures{SubgroupOps: true}}
	group := newTestThreadGroup(t)

	var results [2]map[ResourceTag][]FossilizeHash
	for round := 0; round < 2; round++ {
		sink := newRecordingReplaySink()
		cache, err := InitPipelineState(fs, group, sink, filter, "test")
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		cache.Close()
		results[round] = sink.entries
	}

	for round := 0; round < 2; round++ {
		if n := len(results[round][ResourceComputePipeline]); n != 1 {
			t.Fatalf("round %d replayed %d pipelines, expected 1 (filtered)", round, n)
		}
	}
	if results[0][ResourceComputePipeline][0] != results[1][ResourceComputePipeline][0] {
		t.Fatal("replayed hashes differ across rounds")
	}
}

// TestAssetsPromotion verifies a shipped archive is promoted into the
// cache on iteration mismatch.
func TestAssetsPromotion(t *testing.T) {
	cacheDir := t.TempDir()
	assetsDir := t.TempDir()
	fs := NewFilesystem()
	fs.RegisterProtocol("cache", cacheDir)
	fs.RegisterProtocol("assets", assetsDir)

	payload := []byte(`{"pass":"shipped"}`)
	writeTestArchive(t, filepath.Join(assetsDir, "fossilize", "db.foz"),
		map[ResourceTag][][]byte{ResourceRenderPass: {payload}})
	if err := fs.WriteFile("assets://fossilize/iteration", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile("cache://fossilize/iteration", []byte("v1")); err != nil {
		t.Fatal(err)
	}

	group := newTestThreadGroup(t)
	sink := newRecordingReplaySink()
	cache, err := InitPipelineState(fs, group, sink, nil, "test")
	if err != nil {
		t.Fatalf("InitPipelineState: %v", err)
	}
	defer cache.Close()

	if sink.count(ResourceRenderPass) != 1 {
		t.Fatalf("shipped render pass not replayed")
	}
	iter, ok := fs.ReadFileToString("cache://fossilize/iteration")
	if !ok || iter != "v2" {
		t.Fatalf("cache iteration = %q, expected v2", iter)
	}
}

// TestRecorderWritesArchive verifies recorded resources land in the
// per-process archive.
func TestRecorderWritesArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.foz")
	archive, err := NewAppendArchive(path)
	if err != nil {
		t.Fatal(err)
	}
	recorder := NewFossilizeRecorder(archive)

	h1 := recorder.RecordSampler([]byte(`{"s":1}`))
	h2 := recorder.RecordGraphicsPipeline([]byte(`{"p":1}`))
	if h1 == h2 {
		t.Fatal("distinct resources hashed identically")
	}
	archive.Close()

	db, err := OpenStreamArchive(path)
	if err != nil {
		t.Fatal(err)
	}
	if db.EntryCount() != 2 {
		t.Fatalf("entry count = %d, expected 2", db.EntryCount())
	}
}
