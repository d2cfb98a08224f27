package nodex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeReadStream struct {
	data    func([]byte)
	paused  bool
	resumes int
}

func (f *fakeReadStream) DataHandler(fn func([]byte))  { f.data = fn }
func (f *fakeReadStream) EndHandler(func())            {}
func (f *fakeReadStream) ExceptionHandler(func(error)) {}
func (f *fakeReadStream) Pause()                       { f.paused = true }
func (f *fakeReadStream) Resume()                      { f.paused = false; f.resumes++ }

type fakeWriteStream struct {
	written []byte
	max     int
	drain   func()
}

func (f *fakeWriteStream) Write(data []byte) error {
	f.written = append(f.written, data...)
	return nil
}
func (f *fakeWriteStream) SetWriteQueueMaxSize(n int)   { f.max = n }
func (f *fakeWriteStream) WriteQueueFull() bool         { return len(f.written) >= f.max }
func (f *fakeWriteStream) DrainHandler(fn func())       { f.drain = fn }
func (f *fakeWriteStream) ExceptionHandler(func(error)) {}

func TestPump_PausesWhenFull(t *testing.T) {
	rs := &fakeReadStream{}
	ws := &fakeWriteStream{max: 8}
	p := NewPump(rs, ws).Start()

	rs.data([]byte("abcd"))
	require.False(t, rs.paused)
	rs.data([]byte("efgh"))
	require.True(t, rs.paused)
	require.Equal(t, int64(8), p.BytesPumped())
	require.Equal(t, "abcdefgh", string(ws.written))

	require.NotNil(t, ws.drain)
	ws.written = nil
	ws.drain()
	require.False(t, rs.paused)
	require.Equal(t, 1, rs.resumes)
}

func TestPump_StartTwiceAndStop(t *testing.T) {
	rs := &fakeReadStream{}
	ws := &fakeWriteStream{max: 1 << 10}
	p := NewPump(rs, ws)
	p.Start()
	first := rs.data
	p.Start()
	require.NotNil(t, first)

	p.Stop()
	require.Nil(t, rs.data)
	require.Nil(t, ws.drain)
	p.Stop()
}
