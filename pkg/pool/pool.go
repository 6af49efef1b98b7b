// Package pool provides buffer pooling for document serialization.
//
// Encrypting a document serializes field values and whole documents to JSON
// before sealing them. Pooling those buffers keeps the hot field-level path
// from allocating on every call.
//
// Pooled buffers may have held plaintext, so Put zeroes the used region
// before returning the buffer to the pool.
//
// Usage:
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//
//	if err := json.NewEncoder(buf).Encode(doc); err != nil {
//		return err
//	}
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// PoolConfig configures pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxBufferSize is the largest buffer capacity returned to the pool, in bytes
	MaxBufferSize int
}

// DefaultPoolConfig returns pooling on with a 1MB cap.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Enabled: true, MaxBufferSize: 1024 * 1024}
}

var (
	configMu     sync.RWMutex
	globalConfig = DefaultPoolConfig()
)

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

var (
	gets    uint64
	puts    uint64
	dropped uint64
)

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	configMu.Lock()
	defer configMu.Unlock()
	if config.MaxBufferSize <= 0 {
		config.MaxBufferSize = DefaultPoolConfig().MaxBufferSize
	}
	globalConfig = config
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return currentConfig().Enabled
}

func currentConfig() PoolConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// GetBuffer returns an empty buffer. Call PutBuffer when done.
func GetBuffer() *bytes.Buffer {
	if !IsEnabled() {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	}
	atomic.AddUint64(&gets, 1)
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer wipes and returns a buffer to the pool.
// Buffers larger than MaxBufferSize are wiped and dropped.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	wipe(buf)

	cfg := currentConfig()
	if !cfg.Enabled {
		return
	}
	if buf.Cap() > cfg.MaxBufferSize {
		atomic.AddUint64(&dropped, 1)
		return
	}
	atomic.AddUint64(&puts, 1)
	bufferPool.Put(buf)
}

// Bytes copies the buffer contents into a new slice that outlives the buffer.
func Bytes(buf *bytes.Buffer) []byte {
	return append([]byte(nil), buf.Bytes()...)
}

// Stats reports pool usage counters.
type Stats struct {
	Gets    uint64
	Puts    uint64
	Dropped uint64
}

// GetStats returns the pool counters.
func GetStats() Stats {
	return Stats{
		Gets:    atomic.LoadUint64(&gets),
		Puts:    atomic.LoadUint64(&puts),
		Dropped: atomic.LoadUint64(&dropped),
	}
}

func wipe(buf *bytes.Buffer) {
	b := buf.Bytes()
	for i := range b {
		b[i] = 0
	}
	buf.Reset()
}
