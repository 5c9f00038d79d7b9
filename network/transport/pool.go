package transport

import "github.com/linchenxuan/openplay/utils/pool"

// Frame bodies up to frameBufMax are recycled; most session messages fit in
// frameBufSize.
const (
	frameBufSize = 2048
	frameBufMax  = 64 << 10
)

var _frameBufPool = pool.NewBufferPool("transport.frame", frameBufSize, frameBufMax)

func getFrameBuf(n int) []byte {
	return _frameBufPool.Get(n)[:n]
}

// ReleaseFrame hands a body returned by ReadFrame back for reuse. The caller
// must not touch body afterwards.
func ReleaseFrame(body []byte) {
	_frameBufPool.Put(body)
}
