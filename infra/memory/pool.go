package memory

import "sync"

// FramePool recycles the byte slices log frames are encoded into. Get
// hands out an empty slice; Put drops slices that grew past maxCap so one
// oversized frame does not stay pinned.
type FramePool struct {
	p      sync.Pool
	maxCap int
}

func NewFramePool(initCap, maxCap int) *FramePool {
	fp := &FramePool{maxCap: maxCap}
	fp.p.New = func() any {
		b := make([]byte, 0, initCap)
		return &b
	}
	return fp
}

func (fp *FramePool) Get() *[]byte {
	bp := fp.p.Get().(*[]byte)
	*bp = (*bp)[:0]
	return bp
}

func (fp *FramePool) Put(bp *[]byte) {
	if bp == nil || cap(*bp) > fp.maxCap {
		return
	}
	*bp = (*bp)[:0]
	fp.p.Put(bp)
}
