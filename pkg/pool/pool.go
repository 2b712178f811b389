// Package pool provides buffer pooling for the driver's wire path.
//
// Every outgoing message is PackStream-encoded into a scratch buffer and then
// split into chunks; every page served by a node builds a slice of encoded
// rows. Both are short-lived and sized alike from one message to the next,
// so they are recycled through sync.Pool instead of being reallocated.
//
// Pooled objects:
// - Frame buffers (PackStream encoding, chunk assembly)
// - Row buffers (one encoded column buffer per row of a page)
//
// Usage:
//
//	buf := pool.GetFrameBuffer()
//	defer pool.PutFrameBuffer(buf)
//
//	*buf = packstream.AppendValue(*buf, msg)
package pool

import (
	"sync"
)

// PoolConfig configures pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxFrameBytes is the largest frame buffer capacity that is returned
	// to the pool. Larger buffers are left to the GC.
	MaxFrameBytes int

	// MaxRows is the largest row slice capacity that is returned to the pool.
	MaxRows int
}

var globalConfig = PoolConfig{
	Enabled:       true,
	MaxFrameBytes: 1024 * 1024,
	MaxRows:       4096,
}

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = 1024 * 1024
	}
	if config.MaxRows <= 0 {
		config.MaxRows = 4096
	}
	globalConfig = config
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// =============================================================================
// Frame Buffer Pool
// =============================================================================

var frameBufferPool = sync.Pool{
	New: func() any {
		// 8KB matches the default connection write buffer
		buf := make([]byte, 0, 8192)
		return &buf
	},
}

// GetFrameBuffer returns an empty frame buffer.
// Call PutFrameBuffer when the encoded bytes are no longer referenced.
func GetFrameBuffer() *[]byte {
	if !globalConfig.Enabled {
		buf := make([]byte, 0, 8192)
		return &buf
	}
	buf := frameBufferPool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// PutFrameBuffer returns a frame buffer to the pool.
func PutFrameBuffer(buf *[]byte) {
	if !globalConfig.Enabled || buf == nil {
		return
	}
	if cap(*buf) > globalConfig.MaxFrameBytes {
		return
	}
	*buf = (*buf)[:0]
	frameBufferPool.Put(buf)
}

// =============================================================================
// Row Buffer Pool
// =============================================================================

var rowBufferPool = sync.Pool{
	New: func() any {
		rows := make([][]byte, 0, 64)
		return &rows
	},
}

// GetRowBuffer returns an empty slice of encoded rows.
func GetRowBuffer() *[][]byte {
	if !globalConfig.Enabled {
		rows := make([][]byte, 0, 64)
		return &rows
	}
	rows := rowBufferPool.Get().(*[][]byte)
	*rows = (*rows)[:0]
	return rows
}

// PutRowBuffer returns a row slice to the pool.
// References to the row contents are cleared so they can be collected.
func PutRowBuffer(rows *[][]byte) {
	if !globalConfig.Enabled || rows == nil {
		return
	}
	if cap(*rows) > globalConfig.MaxRows {
		return
	}
	for i := range *rows {
		(*rows)[i] = nil
	}
	*rows = (*rows)[:0]
	rowBufferPool.Put(rows)
}
