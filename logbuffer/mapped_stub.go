//go:build !unix

package logbuffer

import "errors"

var errMappingUnsupported = errors.New("memory-mapped logs are not supported on this platform")

func mapFile(path string, length int64, sparse bool) ([]byte, error) {
	return nil, errMappingUnsupported
}

func unmapFile(mapping []byte) error {
	return errMappingUnsupported
}
