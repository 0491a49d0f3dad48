package util

import "sync"

// bufPool hands out upstream read buffers.  Every live pair holds one
// for the duration of its outbound→inbound loop, so recycling them keeps
// steady-state allocation flat under connection churn.
var bufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf retrieves a DefaultBufSize buffer from the pool.  Callers must
// return it with [PutBuf] when finished.
func GetBuf() *[]byte {
	return bufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool.  Buffers that were resliced to
// a different capacity are discarded.
func PutBuf(buf *[]byte) {
	if buf == nil || cap(*buf) != DefaultBufSize {
		return
	}
	*buf = (*buf)[:DefaultBufSize]
	bufPool.Put(buf)
}
