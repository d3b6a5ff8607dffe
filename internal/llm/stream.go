package llm

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
)

// DecodeFunc turns one line of a streamed response into a text fragment.
// done reports the final line.
type DecodeFunc func(line []byte) (text string, done bool, err error)

// Stream is a single-pass pull iterator over generated text fragments:
//
//	for s.Next() {
//		fmt.Print(s.Text())
//	}
//	if err := s.Err(); err != nil { ... }
//
// Cancelling the context of the originating call aborts the read.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	decode  DecodeFunc
	cancel  func()

	text string
	err  error
	done bool

	closeOnce sync.Once
}

// NewStream reads newline-delimited frames from body. cancel, if non-nil, is
// called on Close.
func NewStream(body io.ReadCloser, decode DecodeFunc, cancel func()) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Stream{body: body, scanner: sc, decode: decode, cancel: cancel}
}

// Next advances to the next non-empty fragment.
func (s *Stream) Next() bool {
	for !s.done && s.err == nil {
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				s.err = err
			}
			return false
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		text, done, err := s.decode(line)
		if err != nil {
			s.err = err
			return false
		}
		if done {
			s.done = true
		}
		if text != "" {
			s.text = text
			return true
		}
	}
	return false
}

// Text returns the current fragment.
func (s *Stream) Text() string { return s.text }

// Err returns the first error encountered, if any.
func (s *Stream) Err() error { return s.err }

// Close releases the underlying connection. It is safe to call twice.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// Collect drains s and returns the concatenated text. The stream is closed.
func Collect(s *Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for s.Next() {
		b.WriteString(s.Text())
	}
	return b.String(), s.Err()
}
