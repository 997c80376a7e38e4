package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 帧格式：4 字节大端长度前缀 + 对应字节数的紧凑 JSON
const (
	// MaxFrameSize 单帧载荷上限
	MaxFrameSize = 64 * 1024
	// MaxBufferSize 未消费接收缓冲区上限
	MaxBufferSize = 1024 * 1024
	// HeaderSize 长度前缀字节数
	HeaderSize = 4
)

var (
	// ErrFrameTooLarge 帧长超限：协议违规，清空缓冲区但不断开连接
	ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")
	// ErrBufferOverflow 接收缓冲区超限：协议违规，清空缓冲区但不断开连接
	ErrBufferOverflow = errors.New("protocol: receive buffer overflow")
	// ErrZeroLengthFrame 零长度帧
	ErrZeroLengthFrame = errors.New("protocol: zero length frame")
)

// EncodeFrame 编码一帧
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// FrameBuffer 按字节流累积并切分完整帧。
// 非协程安全：每个会话独占一个实例，由会话的读循环串行驱动。
type FrameBuffer struct {
	buf []byte
}

// Feed 追加收到的字节。缓冲区超限时清空并报协议违规。
func (b *FrameBuffer) Feed(p []byte) error {
	if len(b.buf)+len(p) > MaxBufferSize {
		b.buf = b.buf[:0]
		return ErrBufferOverflow
	}
	b.buf = append(b.buf, p...)
	return nil
}

// Next 取出下一个完整帧；不足一帧返回 nil。
// 帧长违规时清空缓冲区并返回错误，连接仍可继续使用。
func (b *FrameBuffer) Next() ([]byte, error) {
	if len(b.buf) < HeaderSize {
		return nil, nil
	}
	length := binary.BigEndian.Uint32(b.buf[:HeaderSize])
	if length == 0 {
		b.buf = b.buf[:0]
		return nil, ErrZeroLengthFrame
	}
	if length > MaxFrameSize {
		b.buf = b.buf[:0]
		return nil, ErrFrameTooLarge
	}
	total := HeaderSize + int(length)
	if len(b.buf) < total {
		return nil, nil
	}
	frame := make([]byte, length)
	copy(frame, b.buf[HeaderSize:total])
	b.buf = b.buf[total:]
	return frame, nil
}

// Pending 当前未消费字节数
func (b *FrameBuffer) Pending() int {
	return len(b.buf)
}

// Reset 清空缓冲区
func (b *FrameBuffer) Reset() {
	b.buf = b.buf[:0]
}
