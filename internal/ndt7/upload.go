package ndt7

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/gorilla/websocket"
)

func newPreparedMessage(size int) (*websocket.PreparedMessage, error) {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return nil, err
	}
	return websocket.NewPreparedMessage(websocket.BinaryMessage, data)
}

// nextMessageSize doubles the message once it is small relative to what
// has already been sent, up to paramMaxScaledMessageSize.
func nextMessageSize(current int, total int64) int {
	if current >= paramMaxScaledMessageSize {
		return current
	}
	if int64(current) > total/paramFractionForScaling {
		return current
	}
	return current * 2
}

// upload sends random binary messages until the runtime elapses.
func upload(ctx context.Context, conn wsConn, maxRuntime time.Duration) (transfer, error) {
	start := time.Now()
	deadline := start.Add(maxRuntime)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return transfer{}, err
	}
	size := paramMinMessageSize
	msg, err := newPreparedMessage(size)
	if err != nil {
		return transfer{}, err
	}
	var total int64
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return transfer{}, err
		}
		if err := conn.WritePreparedMessage(msg); err != nil {
			if endOfTest(err) {
				break
			}
			return transfer{}, err
		}
		total += int64(size)
		if next := nextMessageSize(size, total); next != size {
			size = next
			if msg, err = newPreparedMessage(size); err != nil {
				return transfer{}, err
			}
		}
	}
	return transfer{Bytes: total, Elapsed: time.Since(start)}, nil
}
