package podman

import (
	"encoding/binary"
	"errors"
	"io"
)

// copyDockerStream demultiplexes an attach/logs stream (8-byte frame headers)
// into stdout and stderr.
func copyDockerStream(r io.Reader, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if header[0] > 2 || header[1] != 0 || header[2] != 0 || header[3] != 0 {
			return errors.New("not a multiplexed stream")
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		var dst io.Writer
		switch header[0] {
		case 2:
			dst = stderr
		default:
			dst = stdout
		}
		if _, err := io.CopyN(dst, r, int64(size)); err != nil {
			return err
		}
	}
}
