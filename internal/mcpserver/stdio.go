package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const maxMessageSize = 10 << 20

type inbound struct {
	data      []byte
	oversized bool
}

// ServeStdio reads one JSON message per line from r and writes each response
// as one line to w. It returns nil when r reaches end of input, which also
// closes the session, and ctx.Err() when ctx is cancelled first. A line
// longer than the message limit is answered with an Invalid Request error
// and skipped.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	return s.serveStdio(ctx, r, w, maxMessageSize)
}

func (s *Server) serveStdio(ctx context.Context, r io.Reader, w io.Writer, limit int) error {
	lines := make(chan inbound)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		br := bufio.NewReaderSize(r, 64*1024)
		for {
			line, tooLong, err := readLine(br, limit)
			in := inbound{oversized: tooLong}
			if !tooLong {
				in.data = bytes.TrimSpace(line)
			}
			if in.oversized || len(in.data) > 0 {
				select {
				case lines <- in:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	out := bufio.NewWriter(w)
	write := func(resp []byte) error {
		if _, err := out.Write(append(resp, '\n')); err != nil {
			return fmt.Errorf("stdio: write: %w", err)
		}
		if err := out.Flush(); err != nil {
			return fmt.Errorf("stdio: write: %w", err)
		}
		return nil
	}
	s.logger.Info("stdio: serving")

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case in, ok := <-lines:
			if !ok {
				s.Close()
				var err error
				select {
				case err = <-readErr:
				default:
				}
				if err != nil {
					s.logger.Error("stdio: read failed", slog.String("error", err.Error()))
					return fmt.Errorf("stdio: read: %w", err)
				}
				s.logger.Info("stdio: end of input")
				return nil
			}
			var resp []byte
			if in.oversized {
				s.logger.Warn("stdio: message too large", slog.Int("limit", limit))
				resp, _ = json.Marshal(errorResponse(nil, codeInvalidRequest,
					fmt.Sprintf("Invalid Request: message exceeds %d bytes", limit)))
			} else {
				resp = s.HandleMessage(ctx, in.data)
			}
			if resp == nil {
				continue
			}
			if err := write(resp); err != nil {
				return err
			}
		}
	}
}

// readLine returns the next newline-terminated line from br. Once the line
// grows past limit the rest of it is drained and discarded, and tooLong is
// set. err is io.EOF when input ends, possibly after a final unterminated
// line.
func readLine(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(bytes.TrimRight(line, "\r\n")) > limit {
				tooLong = true
				line = nil
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, tooLong, err
	}
}
