//go:build !linux

package netio

func openFrameConn(string) (FrameConn, error) {
	return nil, ErrUnsupportedPlatform
}
