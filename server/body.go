package server

import (
	"io"

	"github.com/labstack/echo/v4"

	"haip.dev/engine/internal/transport"
)

func readBody(c echo.Context) ([]byte, error) {
	defer c.Request().Body.Close()
	return io.ReadAll(c.Request().Body)
}

// frameOf classifies a POSTed body as a text (JSON envelope) frame, used
// by the handshake/message companion endpoints (spec §4.8: push+post
// client-to-server envelopes arrive as individual POST bodies).
func frameOf(data []byte) transport.Frame {
	return transport.Frame{Kind: transport.FrameText, Data: data}
}

func transportBinaryFrame(data []byte) transport.Frame {
	return transport.Frame{Kind: transport.FrameBinary, Data: data}
}
