package monitor

import (
	"encoding/json"

	"github.com/cloudwego/gopkg/bufiox"
)

// lineWriter writes one JSON object per call, translating every '\n' in
// the encoded output to "\r\n" before flushing, matching the original's
// "writes are buffered; on \n the buffer flushes, translated to \r\n for
// the terminal-friendly wire format" monitor behavior.
type lineWriter struct {
	w bufiox.Writer
}

func newLineWriter(w bufiox.Writer) *lineWriter {
	return &lineWriter{w: w}
}

func (lw *lineWriter) writeJSON(v interface{}) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	enc = append(enc, '\n')

	translated := make([]byte, 0, len(enc)+8)
	for _, b := range enc {
		if b == '\n' {
			translated = append(translated, '\r', '\n')
			continue
		}
		translated = append(translated, b)
	}

	if _, err := lw.w.WriteBinary(translated); err != nil {
		return err
	}
	return lw.w.Flush()
}

// readLine reads one "\n"-terminated line (the client side may or may not
// send "\r\n"; either is accepted) without consuming bytes past it. It
// returns io.EOF once the peer has closed the connection with no more
// data buffered.
func readLine(r bufiox.Reader) ([]byte, error) {
	// Peek(n) blocks until exactly n bytes are available, so n must grow
	// by one byte at a time — growing geometrically would block waiting
	// for bytes the peer has no reason to send until it sees a response.
	for n := 1; ; n++ {
		buf, peekErr := r.Peek(n)
		if idx := indexByte(buf, '\n'); idx >= 0 {
			line := make([]byte, idx+1)
			copy(line, buf[:idx+1])
			if err := r.Skip(idx + 1); err != nil {
				return nil, err
			}
			return line, nil
		}
		if peekErr != nil {
			if len(buf) > 0 {
				// Peer closed mid-line; treat whatever arrived as the
				// final (malformed) line rather than discarding it.
				line := make([]byte, len(buf))
				copy(line, buf)
				r.Skip(len(buf))
				return line, nil
			}
			return nil, peekErr
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
