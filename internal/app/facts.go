package app

import (
	"os"
	"runtime"

	"ckpt-go/internal/ckpt"
)

func hostFacts() ckpt.SystemFacts {
	host, _ := os.Hostname()
	return ckpt.SystemFacts{
		Hostname:  host,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Kernel:    kernelRelease(),
		GoVersion: runtime.Version(),
		Tool:      Version,
	}
}
