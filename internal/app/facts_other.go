//go:build !linux

package app

func kernelRelease() string { return "" }
