//go:build !unix

package scratch

func freeBytes(string) (int64, bool) { return 0, false }
