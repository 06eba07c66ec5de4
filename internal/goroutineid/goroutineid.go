// Package goroutineid reads the current goroutine's id from the runtime stack
// header. It exists so the event loop can tell whether a caller is already
// running on the loop goroutine.
package goroutineid

import (
	"bytes"
	"runtime"
	"sync"
)

var stackBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64)
		return &b
	},
}

var prefix = []byte("goroutine ")

// Get returns the id of the calling goroutine, or 0 if the stack header could
// not be parsed.
func Get() int64 {
	bp := stackBufPool.Get().(*[]byte)
	defer stackBufPool.Put(bp)
	// Only the header line is needed, a truncated stack is fine.
	n := runtime.Stack(*bp, false)
	return parse((*bp)[:n])
}

// parse extracts the id from a "goroutine N [status]:" header without
// allocating.
func parse(stack []byte) int64 {
	rest, ok := bytes.CutPrefix(stack, prefix)
	if !ok {
		i := bytes.Index(stack, prefix)
		if i < 0 {
			return 0
		}
		rest = stack[i+len(prefix):]
	}
	var id int64
	for _, b := range rest {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + int64(b-'0')
	}
	return id
}
