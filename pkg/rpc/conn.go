package rpc

import (
	"context"
	"encoding/json"
	"errors"
)

// FrameConn is the minimal transport surface ServeConn needs: one frame in,
// one frame out. stdio and ws transports each implement this over their
// own framing.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
}

// ServeConn reads JSON-RPC frames from conn until ReadFrame errors (EOF or
// transport close), dispatching each to d and writing back any non-nil
// Response. Each successful initialize on this connection sets the session
// passed with later requests, and that session is closed when the
// connection ends; a session replaced by a later initialize is not closed
// here and is left to the session manager's expiry sweep.
func ServeConn(ctx context.Context, d *Dispatcher, conn FrameConn) error {
	var sessionID string
	defer func() {
		if sessionID != "" {
			d.sessions.Close(sessionID)
		}
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				resp := errorResponse(nil, newError(CodeInvalidRequest, "frame exceeds maximum size"))
				data, _ := json.Marshal(resp)
				_ = conn.WriteFrame(data)
				return err
			}
			return err
		}

		var req Request
		if err := json.Unmarshal(frame, &req); err != nil {
			resp := errorResponse(nil, newError(CodeParseError, "malformed JSON-RPC frame: "+err.Error()))
			data, _ := json.Marshal(resp)
			_ = conn.WriteFrame(data)
			continue
		}

		resp := d.Dispatch(ctx, sessionID, req)
		if req.Method == "initialize" && resp != nil && resp.Error == nil {
			if init, ok := resp.Result.(initializeResult); ok {
				sessionID = init.SessionID
			}
		}
		if resp == nil {
			continue
		}
		data, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		if err := conn.WriteFrame(data); err != nil {
			return err
		}
	}
}
