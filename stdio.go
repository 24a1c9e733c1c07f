package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// StdIO implements the Transport interface over an io.Reader/io.Writer pair using
// newline-framed JSON-RPC encoding, the framing used for stdin/stdout process
// pipes. Inbound messages are read line by line and fed to the connected handler
// sequentially, preserving delivery order; outbound writes are serialized through
// an internal queue so concurrent Send calls never interleave on the wire.
//
// Instances must be created with NewStdIO or NewCommandStdIO, and released with
// Close when no longer needed.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	cmd *exec.Cmd

	writeMessages chan stdIOMessage
	done          chan struct{}
	readClosed    chan struct{}
	writeClosed   chan struct{}

	connected bool
	closeOnce sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO transport reading inbound messages from reader and
// writing outbound messages to writer.
func NewStdIO(reader io.Reader, writer io.Writer) *StdIO {
	return &StdIO{
		reader:        reader,
		writer:        writer,
		logger:        slog.Default(),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
		readClosed:    make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
}

// NewCommandStdIO launches the given command and returns a StdIO transport wired
// to its stdin/stdout. Closing the transport closes the child's stdin and waits
// for it to exit.
func NewCommandStdIO(command string, args ...string) (*StdIO, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", command, err)
	}

	s := NewStdIO(stdout, stdin)
	s.cmd = cmd
	return s, nil
}

// Connect implements the Transport interface by starting the write queue and the
// read loop feeding handler. The handler is invoked once per inbound line, in
// order; its non-nil results are written back to the peer.
func (s *StdIO) Connect(ctx context.Context, handler MessageHandler) error {
	s.connected = true
	go s.processWriteMessages()
	go s.listen(ctx, handler)
	return nil
}

// Send implements the Transport interface by marshaling the message and queueing
// it for a serialized write.
func (s *StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so concurrent senders never interleave partial writes.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("transport is closed")
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("transport is closed")
	}
}

// Close implements the Transport interface. It stops both loops, closes the
// writer when it is closable, and waits for a launched child process to exit.
// Close is idempotent.
func (s *StdIO) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		if s.connected {
			select {
			case <-s.readClosed:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
			select {
			case <-s.writeClosed:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}

		if closer, ok := s.writer.(io.Closer); ok {
			if cErr := closer.Close(); cErr != nil {
				s.logger.Warn("failed to close writer", slog.String("err", cErr.Error()))
			}
		}

		if s.cmd != nil {
			err = s.waitCommand(ctx)
		}
	})
	return err
}

func (s *StdIO) waitCommand(ctx context.Context) error {
	waited := make(chan error, 1)
	go func() {
		waited <- s.cmd.Wait()
	}()

	select {
	case err := <-waited:
		return err
	case <-ctx.Done():
		if kErr := s.cmd.Process.Kill(); kErr != nil {
			s.logger.Warn("failed to kill child process", slog.String("err", kErr.Error()))
		}
		return ctx.Err()
	}
}

func (s *StdIO) listen(ctx context.Context, handler MessageHandler) {
	defer close(s.readClosed)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		type lineWithErr struct {
			line string
			err  error
		}

		lines := make(chan lineWithErr, 1)

		// Reads happen in a goroutine so a blocked reader never prevents us from
		// observing the done channel.
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil {
				lines <- lineWithErr{err: err}
				return
			}
			lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
		}()

		var lwe lineWithErr
		select {
		case <-s.done:
			return
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if !errors.Is(lwe.err, io.EOF) && !errors.Is(lwe.err, io.ErrClosedPipe) {
				s.logger.Error("failed to read message", slog.String("err", lwe.err.Error()))
			}
			return
		}

		if lwe.line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
			s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
			continue
		}

		if out := handler(ctx, msg); out != nil {
			if err := s.Send(ctx, *out); err != nil {
				s.logger.Error("failed to send handler reply", slog.String("err", err.Error()))
			}
		}
	}
}

func (s *StdIO) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
