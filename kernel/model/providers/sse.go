package providers

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/refrain2333/Refrain/kernel/model"
)

var errStopSSE = errors.New("providers: stop sse")

var doneSentinel = []byte("[DONE]")

// sseDecoder splits a text/event-stream body into data payloads. Event
// names, ids and retry hints carry nothing the chat APIs use and are dropped.
type sseDecoder struct {
	r       *bufio.Reader
	data    bytes.Buffer
	pending bool
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	return &sseDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the next non-empty payload, or io.EOF once the body is drained.
func (d *sseDecoder) next() ([]byte, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		eof := err != nil
		line = bytes.TrimRight(line, "\r\n")
		switch {
		case len(bytes.TrimSpace(line)) == 0:
			if payload := d.take(); payload != nil {
				return payload, nil
			}
		case line[0] == ':':
			// comment / keep-alive
		default:
			if value, ok := bytes.CutPrefix(line, []byte("data:")); ok {
				if d.pending {
					d.data.WriteByte('\n')
				}
				d.data.Write(bytes.TrimSpace(value))
				d.pending = true
			}
		}
		if eof {
			if payload := d.take(); payload != nil {
				return payload, nil
			}
			return nil, io.EOF
		}
	}
}

func (d *sseDecoder) take() []byte {
	if !d.pending {
		return nil
	}
	payload := bytes.TrimSpace(bytes.Clone(d.data.Bytes()))
	d.data.Reset()
	d.pending = false
	if len(payload) == 0 {
		return nil
	}
	return payload
}

// readSSE calls onData for every payload until EOF or the [DONE] sentinel.
// Returning errStopSSE from onData ends reading quietly.
func readSSE(reader io.Reader, onData func([]byte) error) error {
	dec := newSSEDecoder(reader)
	for {
		payload, err := dec.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return model.WrapCodedError(model.ErrorCodeBackend, err, "providers: read event stream")
		}
		if bytes.Equal(payload, doneSentinel) {
			return nil
		}
		if err := onData(payload); err != nil {
			if errors.Is(err, errStopSSE) {
				return nil
			}
			return err
		}
	}
}
