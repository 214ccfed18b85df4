//go:build !unix

package platform

import (
	"fmt"
	"os"
	"runtime"

	"github.com/bytejit/bytejit/internal/jitapi"
)

var errUnsupported = fmt.Errorf("%w: executable memory on GOOS=%s", jitapi.ErrUnsupported, runtime.GOOS)

func mmapArena(int) ([]byte, error) { return nil, errUnsupported }

func mprotectExec([]byte) error { return errUnsupported }

func munmapArena([]byte) error { return errUnsupported }

func pageSize() int { return os.Getpagesize() }
