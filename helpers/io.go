package helpers

import (
	"io"
	"net"
	"strings"
)

func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == len(b) {
			return nil
		}
		b = b[n:]
	}
	return nil
}

// ShortNetError reformats some well known errors for easier log reading.
func ShortNetError(e error) string {
	if e == nil {
		return "<nil>"
	}
	estr := e.Error()
	if neterr, ok := e.(net.Error); ok && neterr.Timeout() {
		return "timeout"
	}
	switch {
	case strings.HasSuffix(estr, "i/o timeout"):
		return "timeout"
	case strings.HasSuffix(estr, "connection reset by peer"), strings.HasSuffix(estr, "broken pipe"):
		return "closed by remote"
	case strings.HasSuffix(estr, "use of closed network connection"):
		return "closed"
	case strings.HasSuffix(estr, "EOF"):
		return "EOF"
	}
	return estr
}
