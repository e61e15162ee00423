package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn feeds a fixed sequence of frames/errors to ServeConn without any
// real transport underneath.
type fakeConn struct {
	frames  [][]byte
	readErr error
	written [][]byte
}

func (f *fakeConn) ReadFrame() ([]byte, error) {
	if len(f.frames) == 0 {
		return nil, f.readErr
	}
	next := f.frames[0]
	f.frames = f.frames[1:]
	return next, nil
}

func (f *fakeConn) WriteFrame(data []byte) error {
	f.written = append(f.written, data)
	return nil
}

func TestServeConnRespondsInvalidRequestOnOversizeFrame(t *testing.T) {
	d := newTestDispatcher(t)
	conn := &fakeConn{readErr: ErrFrameTooLarge}

	err := ServeConn(context.Background(), d, conn)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
	require.Len(t, conn.written, 1)

	var resp Response
	require.NoError(t, json.Unmarshal(conn.written[0], &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestServeConnRespondsParseErrorOnMalformedJSON(t *testing.T) {
	d := newTestDispatcher(t)
	conn := &fakeConn{frames: [][]byte{[]byte("not json")}, readErr: errors.New("eof")}

	_ = ServeConn(context.Background(), d, conn)
	require.Len(t, conn.written, 1)

	var resp Response
	require.NoError(t, json.Unmarshal(conn.written[0], &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}
