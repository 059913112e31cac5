package worker

import (
	"fmt"

	"github.com/ternarybob/batchllm/internal/common"
)

// ModelMemoryProfile is a model's resource footprint, used for memory-aware
// load admission and hot-swap capacity checks (§4.3.3).
type ModelMemoryProfile struct {
	WeightsBytes       int64
	KVCacheBytesPerReq int64
	MaxOffloadBytes    int64
}

// defaultModelProfile covers any model absent from the configured registry.
// Conservative on purpose: an unknown model should fail closed rather than
// silently assume it fits.
var defaultModelProfile = ModelMemoryProfile{
	WeightsBytes:       8 << 30,  // 8 GiB
	KVCacheBytesPerReq: 64 << 20, // 64 MiB
	MaxOffloadBytes:    4 << 30,  // 4 GiB
}

// ModelRegistry resolves a model name to its memory profile (§4.3.3).
type ModelRegistry struct {
	profiles map[string]ModelMemoryProfile
}

// NewModelRegistry builds a registry from the configured per-model memory
// profiles. Models absent from cfg fall back to defaultModelProfile.
func NewModelRegistry(cfg map[string]common.ModelMemoryConfig) *ModelRegistry {
	profiles := make(map[string]ModelMemoryProfile, len(cfg))
	for name, m := range cfg {
		profiles[name] = ModelMemoryProfile{
			WeightsBytes:       m.WeightsBytes,
			KVCacheBytesPerReq: m.KVCacheBytesPerReq,
			MaxOffloadBytes:    m.MaxOffloadBytes,
		}
	}
	return &ModelRegistry{profiles: profiles}
}

// Lookup returns model's memory profile, or defaultModelProfile if unconfigured.
func (r *ModelRegistry) Lookup(model string) ModelMemoryProfile {
	if p, ok := r.profiles[model]; ok {
		return p
	}
	return defaultModelProfile
}

// Fits reports whether model's weights plus KV cache overhead fit within
// freeVRAMBytes, offloading any shortfall to CPU RAM up to the model's
// MaxOffloadBytes and cpuRAMBytes, whichever is smaller (§4.3.3). A model
// whose requirement exceeds VRAM + available offload capacity is rejected
// with a reason describing the shortfall.
func (r *ModelRegistry) Fits(model string, freeVRAMBytes, cpuRAMBytes int64) (bool, string) {
	p := r.Lookup(model)
	required := p.WeightsBytes + p.KVCacheBytesPerReq
	if required <= freeVRAMBytes {
		return true, ""
	}
	shortfall := required - freeVRAMBytes
	offload := p.MaxOffloadBytes
	if cpuRAMBytes < offload {
		offload = cpuRAMBytes
	}
	if shortfall <= offload {
		return true, ""
	}
	return false, fmt.Sprintf(
		"model %s requires %d bytes beyond available VRAM (%d) and CPU offload capacity (%d)",
		model, shortfall-offload, freeVRAMBytes, offload,
	)
}
