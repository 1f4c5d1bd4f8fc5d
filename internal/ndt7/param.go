package ndt7

import "time"

const (
	paramFractionForScaling   = 16
	paramMinMessageSize       = 1 << 13
	paramMaxScaledMessageSize = 1 << 20
	paramMaxMessageSize       = 1 << 24
	paramMaxBufferSize        = 1 << 20
	paramMaxRuntime           = 10 * time.Second
	paramHandshakeTimeout     = 10 * time.Second
	paramCloseGrace           = time.Second

	subprotocol = "net.measurementlab.ndt.v7"
)
