package offline0

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector tracks where responses came from and how large they were,
// for the periodic stats log line.
type statsCollector struct {
	network  atomic.Uint64
	cache    atomic.Uint64
	fallback atomic.Uint64
	bypass   atomic.Uint64

	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(source string, respBytes int) {
	switch source {
	case SourceNetwork:
		s.network.Add(1)
	case SourceCache, SourceOfflinePage:
		s.cache.Add(1)
	case SourceFallback:
		s.fallback.Add(1)
	default:
		s.bypass.Add(1)
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Network  uint64
	Cache    uint64
	Fallback uint64
	Bypass   uint64

	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
}

func (s statsSnapshot) Total() uint64 {
	return s.Network + s.Cache + s.Fallback + s.Bypass
}

// HitRatio is the share of routed responses served from the cache.
func (s statsSnapshot) HitRatio() float64 {
	routed := s.Network + s.Cache + s.Fallback
	if routed == 0 {
		return 0
	}
	return float64(s.Cache) / float64(routed)
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Network:  s.network.Load(),
		Cache:    s.cache.Load(),
		Fallback: s.fallback.Load(),
		Bypass:   s.bypass.Load(),
	}
	count := out.Total()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	default:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
	}
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
