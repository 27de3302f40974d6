package flash

import "bytes"

// Store receives the result of a read. Reset moves its write cursor back
// to 0 and Write appends.
type Store interface {
	Reset()
	Write(p []byte) (n int, err error)
}

// ensure interface conformation
var _ Store = (*bytes.Buffer)(nil)
