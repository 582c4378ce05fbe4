package ftpengine

import (
	"bufio"
	"errors"
	"maps"
	"strings"
	"testing"
)

func TestReadResponse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		code    int
		message string
		lines   int
		wantErr bool
	}{
		{
			name:    "single line",
			input:   "220 Welcome\r\n",
			code:    220,
			message: "Welcome",
			lines:   1,
		},
		{
			name:    "multi line with code on every line",
			input:   "230-Hello\r\n230-World\r\n230 Done\r\n",
			code:    230,
			message: "Hello\nWorld\nDone",
			lines:   3,
		},
		{
			name:    "multi line with indented text",
			input:   "211-Features:\r\n MLST type*;size*;\r\n EPSV\r\n211 End\r\n",
			code:    211,
			message: "Features:\nMLST type*;size*;\nEPSV\nEnd",
			lines:   4,
		},
		{
			name:    "other code inside multi line",
			input:   "220-Banner\r\n123 not the end\r\n220 Ready\r\n",
			code:    220,
			message: "Banner\n123 not the end\nReady",
			lines:   3,
		},
		{
			name:    "bare LF",
			input:   "200 OK\n",
			code:    200,
			message: "OK",
			lines:   1,
		},
		{name: "too short", input: "22\r\n", wantErr: true},
		{name: "no code", input: "abc Hello\r\n", wantErr: true},
		{name: "bad separator", input: "220xHello\r\n", wantErr: true},
		{name: "truncated multi line", input: "220-Hello\r\n", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := readResponse(bufio.NewReader(strings.NewReader(tt.input)))
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("readResponse failed for %q: %v", tt.input, err)
			}
			if resp.Code != tt.code {
				t.Errorf("Code = %d, want %d", resp.Code, tt.code)
			}
			if resp.Message != tt.message {
				t.Errorf("Message = %q, want %q", resp.Message, tt.message)
			}
			if len(resp.Lines) != tt.lines {
				t.Errorf("Got %d lines, want %d", len(resp.Lines), tt.lines)
			}
		})
	}
}

func TestReadResponse_Sequence(t *testing.T) {
	t.Parallel()
	r := bufio.NewReader(strings.NewReader("150 Opening\r\n226-Done\r\n226 Bye\r\n"))

	first, err := readResponse(r)
	if err != nil {
		t.Fatalf("readResponse failed: %v", err)
	}
	if !first.Is1xx() {
		t.Errorf("First reply code = %d, want a preliminary reply", first.Code)
	}

	second, err := readResponse(r)
	if err != nil {
		t.Fatalf("readResponse failed: %v", err)
	}
	if second.Code != 226 {
		t.Errorf("Code = %d, want 226", second.Code)
	}
	if got := second.String(); got != "226-Done\n226 Bye" {
		t.Errorf("String() = %q, want %q", got, "226-Done\n226 Bye")
	}
}

func TestResponseClasses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code    int
		success bool
		is4xx   bool
		is5xx   bool
	}{
		{150, false, false, false},
		{200, true, false, false},
		{350, true, false, false},
		{450, false, true, false},
		{550, false, false, true},
	}
	for _, tt := range tests {
		r := &Response{Code: tt.code}
		if r.Success() != tt.success {
			t.Errorf("Success() for %d = %v, want %v", tt.code, r.Success(), tt.success)
		}
		if r.Is4xx() != tt.is4xx {
			t.Errorf("Is4xx() for %d = %v, want %v", tt.code, r.Is4xx(), tt.is4xx)
		}
		if r.Is5xx() != tt.is5xx {
			t.Errorf("Is5xx() for %d = %v, want %v", tt.code, r.Is5xx(), tt.is5xx)
		}
	}
}

func TestParseFeatureLines_RFC2389(t *testing.T) {
	t.Parallel()
	// RFC 2389 format with space-prefixed feature lines
	lines := []string{
		"211-Extensions supported:",
		" MLST size*;create;modify*;perm;media-type",
		" SIZE",
		" COMPRESSION",
		" mdtm",
		"211 END",
	}

	features := parseFeatureLines(lines)

	want := map[string]string{
		"MLST":        "size*;create;modify*;perm;media-type",
		"SIZE":        "",
		"COMPRESSION": "",
		"MDTM":        "",
	}
	if !maps.Equal(features, want) {
		t.Errorf("Features = %v, want %v", features, want)
	}
}

func TestParseFeatureLines_Traditional(t *testing.T) {
	t.Parallel()
	lines := []string{
		"211-Features",
		"211-EPSV",
		"211-REST STREAM",
		"211 End",
	}

	features := parseFeatureLines(lines)

	want := map[string]string{
		"EPSV": "",
		"REST": "STREAM",
	}
	if !maps.Equal(features, want) {
		t.Errorf("Features = %v, want %v", features, want)
	}
}

func TestParsePWD(t *testing.T) {
	t.Parallel()
	tests := []struct {
		msg     string
		want    string
		wantErr bool
	}{
		{msg: `"/" is current directory`, want: "/"},
		{msg: `"/home/user"`, want: "/home/user"},
		{msg: `"/a ""b""" is current directory`, want: `/a "b"`},
		{msg: `Current directory is "/pub" here`, want: "/pub"},
		{msg: `no quotes`, wantErr: true},
		{msg: `"/unterminated`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parsePWD(tt.msg)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parsePWD(%q) succeeded, want error", tt.msg)
			}
			continue
		}
		if err != nil {
			t.Errorf("parsePWD(%q) failed: %v", tt.msg, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePWD(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestProtocolError(t *testing.T) {
	t.Parallel()
	err := protocolError("MKD b", &Response{Code: 550, Message: "Permission denied"})

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected *ProtocolError, got %T", err)
	}
	if want := "ftp: MKD b failed: Permission denied (code 550)"; pe.Error() != want {
		t.Errorf("Error() = %q, want %q", pe.Error(), want)
	}
	if !pe.IsPermanent() || pe.IsTemporary() {
		t.Error("Expected a 550 reply to be permanent")
	}

	temp := &ProtocolError{Command: "STOR x", Code: 451}
	if !temp.IsTemporary() {
		t.Error("Expected a 451 reply to be temporary")
	}
}

func TestResultAsError(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")

	if err := success().asError(); err != nil {
		t.Errorf("success().asError() = %v, want nil", err)
	}
	if err := failure(cause).asError(); err != cause {
		t.Errorf("failure(cause).asError() = %v, want the cause itself", err)
	}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"critical", criticalError(cause).asError(), ErrCritical},
		{"critical keeps cause", criticalError(cause).asError(), cause},
		{"critical without cause", criticalError(nil).asError(), ErrCritical},
		{"lost connection", lostConnection(cause).asError(), ErrDisconnected},
		{"internal", internalError("state %d", 3).asError(), ErrInternal},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: %v does not wrap %v", tt.name, tt.err, tt.want)
		}
	}
	if failure(nil).asError() == nil {
		t.Error("failure(nil).asError() = nil, want an error")
	}
}
