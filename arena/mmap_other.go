//go:build !unix

package arena

func mapAnonymous(size int) (backing, error) {
	return nil, ErrMmapNotSupported
}

func mapFile(name string, size int) (backing, error) {
	return nil, ErrMmapNotSupported
}
