package ndt7

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// transfer is the outcome of one subtest.
type transfer struct {
	Bytes   int64
	Elapsed time.Duration
}

// BitsPerSecond is zero for an empty or instantaneous transfer.
func (t transfer) BitsPerSecond() float64 {
	secs := t.Elapsed.Seconds()
	if secs <= 0 || t.Bytes <= 0 {
		return 0
	}
	return float64(t.Bytes) * 8 / secs
}

// download reads every message the server sends until the runtime elapses
// or the server closes the connection.
func download(ctx context.Context, conn wsConn, maxRuntime time.Duration) (transfer, error) {
	start := time.Now()
	deadline := start.Add(maxRuntime)
	conn.SetReadLimit(paramMaxMessageSize)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return transfer{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var total int64
	for {
		_, reader, err := conn.NextReader()
		if err != nil {
			if endOfTest(err) {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return transfer{}, ctxErr
			}
			return transfer{}, err
		}
		n, err := io.Copy(io.Discard, reader)
		total += n
		if err != nil {
			if endOfTest(err) {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return transfer{}, ctxErr
			}
			return transfer{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return transfer{}, err
	}
	return transfer{Bytes: total, Elapsed: time.Since(start)}, nil
}

// endOfTest is true for the ways a subtest normally ends: the deadline
// fires or the peer closes cleanly.
func endOfTest(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
