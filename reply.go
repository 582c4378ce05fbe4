package ftpengine

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Response represents an FTP server reply.
type Response struct {
	// Code is the three-digit reply code (e.g., 220, 550)
	Code int

	// Message is the human-readable message from the server. Lines of a
	// multi-line reply are joined with "\n".
	Message string

	// Lines contains all raw lines of the reply
	Lines []string
}

// Is1xx returns true for preliminary replies.
func (r *Response) Is1xx() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is2xx returns true if the reply code is in the 2xx range (success).
func (r *Response) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true if the reply code is in the 3xx range (intermediate).
func (r *Response) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// Is4xx returns true if the reply code is in the 4xx range (temporary failure).
func (r *Response) Is4xx() bool {
	return r.Code >= 400 && r.Code < 500
}

// Is5xx returns true if the reply code is in the 5xx range (permanent failure).
func (r *Response) Is5xx() bool {
	return r.Code >= 500 && r.Code < 600
}

// Success reports a 2xx or 3xx reply.
func (r *Response) Success() bool {
	return r.Is2xx() || r.Is3xx()
}

// String returns the full reply as a string.
func (r *Response) String() string {
	return strings.Join(r.Lines, "\n")
}

// readResponse reads a complete FTP reply from the reader.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"220-Welcome to FTP\r\n"
//	" any text\r\n"
//	"220 Ready\r\n"
//
// The reply is complete when a line starts with the code followed by a
// space. Lines in between need not carry the code.
func readResponse(r *bufio.Reader) (*Response, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	if len(line) < 4 {
		return nil, fmt.Errorf("invalid response line: %q", line)
	}

	code, err := strconv.Atoi(line[0:3])
	if err != nil || code < 100 {
		return nil, fmt.Errorf("invalid response code: %q", line[0:3])
	}

	if line[3] == ' ' {
		return &Response{
			Code:    code,
			Message: line[4:],
			Lines:   []string{line},
		}, nil
	}
	if line[3] != '-' {
		return nil, fmt.Errorf("invalid response format: %q", line)
	}

	lines := []string{line}
	messages := []string{line[4:]}
	end := line[0:3] + " "
	for {
		line, err = readLine(r)
		if err != nil {
			return nil, fmt.Errorf("reading multi-line response: %w", err)
		}
		lines = append(lines, line)

		switch {
		case strings.HasPrefix(line, end):
			messages = append(messages, line[4:])
			return &Response{
				Code:    code,
				Message: strings.Join(messages, "\n"),
				Lines:   lines,
			}, nil
		case len(line) >= 4 && line[0:3] == end[0:3] && line[3] == '-':
			messages = append(messages, line[4:])
		default:
			messages = append(messages, strings.TrimLeft(line, " "))
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseFeatureLines parses the lines of a FEAT reply.
// Supports both formats:
// - RFC 2389: "211-Features:\r\n FEAT1\r\n FEAT2 params\r\n211 End"
// - Traditional: "211-Features\r\n211-FEAT1\r\n211-FEAT2 params\r\n211 End"
func parseFeatureLines(lines []string) map[string]string {
	features := make(map[string]string)
	for i, line := range lines {
		var feature string
		switch {
		case len(line) > 0 && line[0] == ' ':
			feature = strings.TrimSpace(line)
		case i > 0 && i < len(lines)-1 && len(line) >= 4 && line[3] == '-':
			// traditional continuation
			feature = strings.TrimSpace(line[4:])
		default:
			continue
		}
		if feature == "" {
			continue
		}

		name, params, _ := strings.Cut(feature, " ")
		features[strings.ToUpper(name)] = params
	}
	return features
}

// parsePWD extracts the directory from a 257 reply. Embedded quotes are
// doubled, as in `257 "/a ""b""" is current directory`.
func parsePWD(msg string) (string, error) {
	start := strings.IndexByte(msg, '"')
	if start == -1 {
		return "", fmt.Errorf("invalid PWD response: %s", msg)
	}

	var b strings.Builder
	for i := start + 1; i < len(msg); i++ {
		if msg[i] != '"' {
			b.WriteByte(msg[i])
			continue
		}
		if i+1 < len(msg) && msg[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("invalid PWD response: %s", msg)
}
