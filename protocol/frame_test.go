package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrame(t *testing.T) {
	payload := []byte(`{"action":"heartbeat"}`)
	frame, err := EncodeFrame(payload)
	require.NoError(t, err)

	assert.Equal(t, HeaderSize+len(payload), len(frame))
	assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(frame[:HeaderSize]))
	assert.Equal(t, payload, frame[HeaderSize:])
}

func TestEncodeFrame_TooLarge(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameBuffer_PartialFeed(t *testing.T) {
	payload := []byte(`{"action":"login"}`)
	frame, err := EncodeFrame(payload)
	require.NoError(t, err)

	var fb FrameBuffer
	// 一个字节一个字节喂，中途永远取不出帧
	for i := 0; i < len(frame)-1; i++ {
		require.NoError(t, fb.Feed(frame[i:i+1]))
		got, err := fb.Next()
		require.NoError(t, err)
		assert.Nil(t, got)
	}

	require.NoError(t, fb.Feed(frame[len(frame)-1:]))
	got, err := fb.Next()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 0, fb.Pending())
}

func TestFrameBuffer_MultipleFramesInOneFeed(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"a":1}`),
		[]byte(`{"b":2}`),
		[]byte(`{"c":3}`),
	}
	var stream bytes.Buffer
	for _, p := range payloads {
		frame, err := EncodeFrame(p)
		require.NoError(t, err)
		stream.Write(frame)
	}

	var fb FrameBuffer
	require.NoError(t, fb.Feed(stream.Bytes()))

	for _, want := range payloads {
		got, err := fb.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := fb.Next()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFrameBuffer_OversizeLengthClearsBuffer(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)

	var fb FrameBuffer
	require.NoError(t, fb.Feed(header[:]))
	require.NoError(t, fb.Feed([]byte("garbage that should be dropped")))

	_, err := fb.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, 0, fb.Pending())

	// 违规后缓冲区可继续使用
	payload := []byte(`{"action":"heartbeat"}`)
	frame, err := EncodeFrame(payload)
	require.NoError(t, err)
	require.NoError(t, fb.Feed(frame))
	got, err := fb.Next()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameBuffer_ZeroLengthFrame(t *testing.T) {
	var fb FrameBuffer
	require.NoError(t, fb.Feed(make([]byte, HeaderSize)))
	_, err := fb.Next()
	assert.ErrorIs(t, err, ErrZeroLengthFrame)
	assert.Equal(t, 0, fb.Pending())
}

func TestFrameBuffer_Overflow(t *testing.T) {
	var fb FrameBuffer
	// 合法长度前缀但载荷永远不到齐，持续喂满缓冲区
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize)
	require.NoError(t, fb.Feed(header[:]))

	chunk := make([]byte, 128*1024)
	var overflowed bool
	for i := 0; i < 16; i++ {
		if err := fb.Feed(chunk); err != nil {
			assert.ErrorIs(t, err, ErrBufferOverflow)
			overflowed = true
			break
		}
	}
	require.True(t, overflowed)
	assert.Equal(t, 0, fb.Pending())
}
