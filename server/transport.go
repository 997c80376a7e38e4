package server

import (
	"net"
	"time"

	"qchat_server/protocol"

	"github.com/gorilla/websocket"
)

// tcpTransport 原始 TCP 承载：字节流上叠加长度前缀帧
type tcpTransport struct {
	conn net.Conn
	fb   protocol.FrameBuffer
	buf  [4096]byte
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn}
}

func (t *tcpTransport) ReadFrame() ([]byte, error) {
	for {
		// 先消费缓冲区里已有的完整帧
		frame, err := t.fb.Next()
		if err != nil {
			return nil, err
		}
		if frame != nil {
			return frame, nil
		}

		n, err := t.conn.Read(t.buf[:])
		if err != nil {
			return nil, err
		}
		if err := t.fb.Feed(t.buf[:n]); err != nil {
			return nil, err
		}
	}
}

func (t *tcpTransport) WriteFrame(payload []byte) error {
	out, err := protocol.EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = t.conn.Write(out)
	return err
}

func (t *tcpTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// wsTransport WebSocket 承载：消息边界由 WebSocket 自身提供，
// 不再叠加长度前缀，载荷内容与 TCP 通路完全一致。
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(protocol.MaxFrameSize)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if len(payload) > protocol.MaxFrameSize {
		return nil, protocol.ErrFrameTooLarge
	}
	return payload, nil
}

func (t *wsTransport) WriteFrame(payload []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
