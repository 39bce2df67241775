package eventstream

import (
	"encoding/binary"
	"encoding/hex"
	"testing"
)

func encodeStringHeader(name, value string) []byte {
	buf := []byte{byte(len(name))}
	buf = append(buf, name...)
	buf = append(buf, byte(HeaderString))
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(value)))
	buf = append(buf, lenBuf...)
	buf = append(buf, value...)
	return buf
}

func encodeIntHeader(name string, value int32) []byte {
	buf := []byte{byte(len(name))}
	buf = append(buf, name...)
	buf = append(buf, byte(HeaderInt))
	valBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(valBuf, uint32(value))
	return append(buf, valBuf...)
}

func TestParseHeadersRoundTrip(t *testing.T) {
	data := append(encodeStringHeader(":event-type", "assistantResponseEvent"), encodeIntHeader(":count", 7)...)

	headers, err := ParseHeaders(data)
	if err != nil {
		t.Fatalf("ParseHeaders() error = %v", err)
	}
	if got := headers[":event-type"].String(); got != "assistantResponseEvent" {
		t.Fatalf("string header = %q, want %q", got, "assistantResponseEvent")
	}
	if got := headers[":count"].Int32(); got != 7 {
		t.Fatalf("int header = %d, want 7", got)
	}
}

func TestParseHeadersTruncatedNameErrors(t *testing.T) {
	data := []byte{5, 'a', 'b'} // nameLength=5 but only 2 bytes follow
	if _, err := ParseHeaders(data); err == nil {
		t.Fatalf("expected error for truncated header name")
	}
}

func TestParseHeadersTruncatedValueErrors(t *testing.T) {
	buf := []byte{byte(len("k"))}
	buf = append(buf, "k"...)
	buf = append(buf, byte(HeaderString))
	buf = append(buf, 0, 10) // claims 10-byte value, none follow
	if _, err := ParseHeaders(buf); err == nil {
		t.Fatalf("expected error for truncated header value")
	}
}

func TestParseHeadersUnknownTypeErrors(t *testing.T) {
	buf := []byte{byte(len("k"))}
	buf = append(buf, "k"...)
	buf = append(buf, 0xFF)
	if _, err := ParseHeaders(buf); err == nil {
		t.Fatalf("expected error for unknown header type")
	}
}

func TestParseHeadersBoolAndUUID(t *testing.T) {
	buf := []byte{byte(len("ok"))}
	buf = append(buf, "ok"...)
	buf = append(buf, byte(HeaderBoolTrue))

	buf = append(buf, byte(len("id")))
	buf = append(buf, "id"...)
	buf = append(buf, byte(HeaderUUID))
	buf = append(buf, make([]byte, 16)...)

	headers, err := ParseHeaders(buf)
	if err != nil {
		t.Fatalf("ParseHeaders() error = %v", err)
	}
	if !headers["ok"].Bool() {
		t.Fatalf("bool header = false, want true")
	}
	if got, want := headers["id"].UUID(), hex.EncodeToString(make([]byte, 16)); got != want {
		t.Fatalf("uuid header = %q, want %q", got, want)
	}
}
