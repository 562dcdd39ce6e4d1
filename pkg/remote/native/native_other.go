//go:build !linux

package native

import (
	"context"
	"errors"
	"runtime"

	"github.com/memscan/memscan/pkg/remote"
)

// ErrNativeUnsupported is returned by Dial on systems without local
// process access.
var ErrNativeUnsupported = errors.New("local process access is not supported on " + runtime.GOOS)

func Dial(ctx context.Context, addr string) (remote.Provider, error) {
	return nil, &remote.ConnectionError{Addr: addr, Op: "connect", Err: ErrNativeUnsupported}
}
