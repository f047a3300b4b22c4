package jsonrpc

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestReaderReadsFramesLineByLine(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"result":{"ok":true}}` + "\n"
	r := NewReader(strings.NewReader(input))

	f1, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	if !f1.IsRequest() || f1.Method != "ping" {
		t.Fatalf("expected ping request, got %+v", f1)
	}

	f2, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if !f2.IsResult() {
		t.Fatalf("expected result frame, got %+v", f2)
	}

	if _, err := r.ReadFrame(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderToleratesPartialReads(t *testing.T) {
	pr, pw := io.Pipe()
	r := NewReader(pr)

	go func() {
		_, _ = pw.Write([]byte(`{"jsonrpc":"2.0",`))
		_, _ = pw.Write([]byte(`"id":1,"method":"ping"}` + "\n"))
		_ = pw.Close()
	}()

	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Method != "ping" {
		t.Fatalf("expected ping, got %+v", f)
	}
}

func TestReaderReportsParseErrorWithoutClosingStream(t *testing.T) {
	input := "not json\n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	r := NewReader(strings.NewReader(input))

	_, err := r.ReadFrame()
	var perr *ParseError
	if err == nil {
		t.Fatal("expected parse error")
	}
	if pe, ok := err.(*ParseError); !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	} else {
		perr = pe
	}
	if perr.Err == nil {
		t.Fatal("expected wrapped error")
	}

	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("expected to recover and read next frame: %v", err)
	}
	if f.Method != "ping" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestFrameValidateRejectsMissingVersion(t *testing.T) {
	f := Frame{Method: "ping"}
	errObj := f.Validate()
	if errObj == nil || errObj.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", errObj)
	}
}

func TestWriterFlushesEveryFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	id := NewID(float64(1))
	f, err := NewResult(id, map[string]bool{"ok": true})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	if err := w.WriteFrame(f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line, got %d: %q", len(lines), buf.String())
	}
	var decoded Frame
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("decode written frame: %v", err)
	}
	if !decoded.IsResult() {
		t.Fatalf("expected result frame, got %+v", decoded)
	}
}

func TestWriterDoesNotInterleaveConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	const n = 50
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			f, _ := NewResult(NewID(float64(i)), map[string]int{"i": i})
			_ = w.WriteFrame(f)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != n {
		t.Fatalf("expected %d lines, got %d", n, len(lines))
	}
	for _, line := range lines {
		var decoded Frame
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Fatalf("line not valid JSON (interleaved write?): %q: %v", line, err)
		}
	}
}

func TestIDEqualAndRoundTrip(t *testing.T) {
	a := NewID(float64(7))
	b := NewID(float64(7))
	if !a.Equal(b) {
		t.Fatal("expected equal ids")
	}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !a.Equal(decoded) {
		t.Fatal("round trip changed id value")
	}
}
