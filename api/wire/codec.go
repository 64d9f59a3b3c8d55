package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrUnknownMessage marks a request whose command/type tag is outside the
// closed message set.
var ErrUnknownMessage = errors.New("unknown wire message")

// maxLineSize bounds a single wire message. Anything larger is treated as a
// protocol violation rather than buffered indefinitely.
const maxLineSize = 16 * 1024 * 1024

// NewLineReader wraps a connection for ReadRequest/ReadResponse calls.
func NewLineReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 64*1024)
}

// ReadRequest reads one newline-delimited JSON request. io.EOF is returned
// unchanged on a cleanly closed connection.
func ReadRequest(r *bufio.Reader) (Request, error) {
	var req Request
	line, err := readLine(r)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return req, fmt.Errorf("malformed request: %w", err)
	}
	return req, nil
}

// ReadResponse reads one newline-delimited JSON response.
func ReadResponse(r *bufio.Reader) (Response, error) {
	var resp Response
	line, err := readLine(r)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return resp, fmt.Errorf("malformed response: %w", err)
	}
	return resp, nil
}

// WriteRequest writes one request followed by a newline.
func WriteRequest(w io.Writer, req Request) error {
	return writeJSONLine(w, req)
}

// WriteResponse writes one response followed by a newline.
func WriteResponse(w io.Writer, resp Response) error {
	return writeJSONLine(w, resp)
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readLine accumulates one newline-terminated line, enforcing maxLineSize as
// it reads so an unbounded line is rejected without being buffered whole.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > maxLineSize {
			return nil, fmt.Errorf("message exceeds %d bytes", maxLineSize)
		}
		switch err {
		case nil:
			return line, nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if len(line) == 0 {
				return nil, io.EOF
			}
			return nil, err
		default:
			return nil, err
		}
	}
}
