package registry

import "errors"

// ErrOperationFailed wraps non-domain adapter failures so handlers can map
// them to a 500-class response with errors.Is() instead of string
// matching. The inner cause stays reachable through the wrap, so the error
// classifier still sees the original kind.
var ErrOperationFailed = errors.New("token operation failed")
