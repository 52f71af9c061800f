package handler

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// MaxLineLen bounds a single protocol line. Anything longer is from a
// scanner or a fuzzer, not a real client.
const MaxLineLen = 4096

// ErrLineTooLong is returned when a line exceeds MaxLineLen before a
// newline is seen.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// LineReader reads CRLF- or LF-terminated lines from a connection with a
// per-read deadline, refreshing the idle monitor on every line. FTP,
// SMTP, and Telnet share it.
type LineReader struct {
	conn     net.Conn
	br       *bufio.Reader
	timeout  time.Duration
	clientIP string
	touch    func(string)
}

// NewLineReader wraps conn. touch may be nil.
func NewLineReader(conn net.Conn, timeout time.Duration, clientIP string, touch func(string)) *LineReader {
	return &LineReader{
		conn:     conn,
		br:       bufio.NewReaderSize(conn, MaxLineLen),
		timeout:  timeout,
		clientIP: clientIP,
		touch:    touch,
	}
}

// ReadLine returns the next line with its trailing CR/LF stripped.
// The read fails the moment MaxLineLen is crossed without a newline;
// nothing beyond the cap is ever pulled off the connection.
func (r *LineReader) ReadLine() (string, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return "", err
	}

	line, err := r.br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", ErrLineTooLong
		}
		// A final unterminated line still counts.
		if err != io.EOF || len(line) == 0 {
			return "", err
		}
	}

	if r.touch != nil {
		r.touch(r.clientIP)
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}
