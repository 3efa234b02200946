package pairing

import (
	"errors"
	"fmt"
)

// ChunkHeaderSize 分片头：[index, total]
const ChunkHeaderSize = 2

// MaxChunks 单个包的最大分片数
const MaxChunks = 255

var (
	ErrMTUTooSmall      = errors.New("mtu too small for chunk header")
	ErrTooManyChunks    = errors.New("packet needs more than 255 chunks")
	ErrInvalidChunk     = errors.New("invalid chunk")
	ErrInconsistentSize = errors.New("chunk total disagrees with earlier chunks")
)

// Chunk 按协商的传输单元切分包；mtu 足够时只产生一个分片
func Chunk(packet []byte, mtu int) ([][]byte, error) {
	if mtu <= ChunkHeaderSize {
		return nil, ErrMTUTooSmall
	}
	body := mtu - ChunkHeaderSize
	total := (len(packet) + body - 1) / body
	if total == 0 {
		total = 1
	}
	if total > MaxChunks {
		return nil, ErrTooManyChunks
	}

	chunks := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * body
		end := start + body
		if end > len(packet) {
			end = len(packet)
		}
		c := make([]byte, 0, ChunkHeaderSize+end-start)
		c = append(c, byte(i), byte(total))
		c = append(c, packet[start:end]...)
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// Reassembler 分片重组，允许乱序与重复
type Reassembler struct {
	total  int
	parts  map[int][]byte
	length int
}

// NewReassembler 创建重组器
func NewReassembler() *Reassembler {
	return &Reassembler{parts: make(map[int][]byte)}
}

// Add 加入一个分片，全部到齐时返回完整包
func (r *Reassembler) Add(chunk []byte) ([]byte, bool, error) {
	if len(chunk) < ChunkHeaderSize {
		return nil, false, ErrInvalidChunk
	}
	index, total := int(chunk[0]), int(chunk[1])
	if total == 0 || index >= total {
		return nil, false, fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, index, total)
	}
	if r.total == 0 {
		r.total = total
	} else if r.total != total {
		return nil, false, ErrInconsistentSize
	}

	if _, dup := r.parts[index]; !dup {
		body := make([]byte, len(chunk)-ChunkHeaderSize)
		copy(body, chunk[ChunkHeaderSize:])
		r.parts[index] = body
		r.length += len(body)
	}

	if len(r.parts) < r.total {
		return nil, false, nil
	}
	packet := make([]byte, 0, r.length)
	for i := 0; i < r.total; i++ {
		packet = append(packet, r.parts[i]...)
	}
	return packet, true, nil
}

// Reset 丢弃已收到的分片
func (r *Reassembler) Reset() {
	r.total = 0
	r.length = 0
	r.parts = make(map[int][]byte)
}
