package protocol

import (
	"bytes"
	"encoding/binary"
)

// byteWriter accumulates a message payload field by field, sticky on
// the first error so call sites don't need to check after every field.
type byteWriter struct {
	buf bytes.Buffer
	err error
}

func newByteWriter() *byteWriter { return &byteWriter{} }

func (w *byteWriter) Bytes() []byte { return w.buf.Bytes() }

func (w *byteWriter) i64(v int64) { w.write(v) }
func (w *byteWriter) i32(v int32) { w.write(v) }
func (w *byteWriter) u32(v uint32) { w.write(v) }
func (w *byteWriter) u64(v uint64) { w.write(v) }

func (w *byteWriter) bool(v bool) {
	var b byte
	if v {
		b = 1
	}
	w.write(b)
}

func (w *byteWriter) bytes(v []byte) {
	w.write(uint32(len(v)))
	if w.err != nil {
		return
	}
	w.buf.Write(v)
}

func (w *byteWriter) str(v string) { w.bytes([]byte(v)) }

func (w *byteWriter) write(v any) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(&w.buf, binary.BigEndian, v)
}

// byteReader is byteWriter's mirror: sticky-error field-by-field
// decoding out of a fixed payload slice.
type byteReader struct {
	r   *bytes.Reader
	err error
}

func newByteReader(payload []byte) *byteReader {
	return &byteReader{r: bytes.NewReader(payload)}
}

func (r *byteReader) i64() int64 {
	var v int64
	r.read(&v)
	return v
}

func (r *byteReader) i32() int32 {
	var v int32
	r.read(&v)
	return v
}

func (r *byteReader) u32() uint32 {
	var v uint32
	r.read(&v)
	return v
}

func (r *byteReader) u64() uint64 {
	var v uint64
	r.read(&v)
	return v
}

func (r *byteReader) bool() bool {
	var b byte
	r.read(&b)
	return b != 0
}

func (r *byteReader) bytes() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	buf := make([]byte, n)
	if _, err := r.r.Read(buf); err != nil {
		r.err = err
		return nil
	}
	return buf
}

func (r *byteReader) str() string { return string(r.bytes()) }

func (r *byteReader) read(v any) {
	if r.err != nil {
		return
	}
	r.err = binary.Read(r.r, binary.BigEndian, v)
}
