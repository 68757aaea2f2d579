package provider

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// streamTransport bounds how long a provider may take to answer with headers.
// Reading the streamed body is bounded only by the request context.
func streamTransport(headerTimeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = headerTimeout
	return t
}

// readEvents splits a server-sent-event body into blocks and hands the
// joined data lines of each block to fn. fn returns false to stop.
func readEvents(body io.Reader, fn func(data string) bool) error {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 1024)
	for {
		n, err := body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			buf = bytes.ReplaceAll(buf, []byte("\r\n"), []byte("\n"))
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				block := buf[:idx]
				buf = buf[idx+2:]
				if data, ok := blockData(block); ok && !fn(data) {
					return nil
				}
			}
		}
		if err == io.EOF {
			if data, ok := blockData(buf); ok {
				fn(data)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func blockData(block []byte) (string, bool) {
	var parts [][]byte
	for _, line := range bytes.Split(block, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("data:")) {
			parts = append(parts, bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return string(bytes.Join(parts, []byte("\n"))), true
}

// send delivers a chunk unless the consumer has gone away.
func send(ctx context.Context, ch chan<- *StreamChunk, c *StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
