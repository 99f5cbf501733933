package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// errEmptyResponse means the stream ended without a final response event
var errEmptyResponse = errors.New("upstream stream ended without a final response")

const maxEventBytes = 32 << 20

// bodyReader wraps an upstream body. With a timeout it runs a stall watchdog that
// cancels the request after that long without data; Read then reports ErrStreamStalled.
// Close always releases the attempt context.
type bodyReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	done    chan struct{}
	cancel  func()
	stalled atomic.Bool
	once    sync.Once
	onClose func()
}

func newBodyReader(rc io.ReadCloser, timeout time.Duration, cancel func()) *bodyReader {
	r := &bodyReader{rc: rc, timeout: timeout, done: make(chan struct{}), cancel: cancel}
	if timeout > 0 {
		r.timer = time.NewTimer(timeout)
		go r.watchdog()
	}
	return r
}

func (r *bodyReader) watchdog() {
	select {
	case <-r.timer.C:
		r.stalled.Store(true)
		r.cancel()
	case <-r.done:
		r.timer.Stop()
	}
}

func (r *bodyReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 && r.timer != nil && !r.stalled.Load() {
		r.timer.Reset(r.timeout)
	}
	if err != nil && err != io.EOF && r.stalled.Load() {
		return n, ErrStreamStalled
	}
	return n, err
}

func (r *bodyReader) Close() error {
	r.once.Do(func() {
		close(r.done)
		if r.cancel != nil {
			r.cancel()
		}
		if r.onClose != nil {
			r.onClose()
		}
	})
	return r.rc.Close()
}

// materialize reads an SSE stream and returns the payload of the final
// response.done / response.completed event
func materialize(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var data bytes.Buffer
	var final []byte
	flush := func() {
		if data.Len() == 0 {
			return
		}
		payload := data.Bytes()
		switch gjson.GetBytes(payload, "type").String() {
		case "response.done", "response.completed":
			if resp := gjson.GetBytes(payload, "response"); resp.IsObject() {
				final = []byte(resp.Raw)
			}
		}
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		chunk := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if chunk == "[DONE]" {
			continue
		}
		if data.Len() > 0 {
			data.WriteByte('\n')
		}
		data.WriteString(chunk)
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if final == nil {
		return nil, errEmptyResponse
	}
	return final, nil
}
