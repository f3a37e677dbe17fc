package peerproto

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrUnknownOperation = errors.New("peerproto: unknown operation")
	ErrMalformed        = errors.New("peerproto: malformed message")
)

const (
	fieldOperation   = "operation"
	fieldFileHash    = "filehash"
	fieldData        = "data"
	fieldCompression = "compression"
	fieldFile        = "file"
	fieldCode        = "code"
	fieldReason      = "reason"

	compressionZlib = "zlib"
	compressGain    = 0.05 // skip compression if it saves less than 5%
)

// Marshal renders m as its text block, blank line included.
func Marshal(m Message) ([]byte, error) {
	var b strings.Builder
	line := func(k, v string) error {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%w: %s value contains a line break", ErrMalformed, k)
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteByte('\n')
		return nil
	}

	if err := line(fieldOperation, string(m.Operation())); err != nil {
		return nil, err
	}
	var err error
	switch m := m.(type) {
	case Close:
	case Download:
		err = line(fieldFileHash, m.FileHash)
	case Upload:
		data, compressed := packContent(m.Content)
		if compressed {
			err = line(fieldCompression, compressionZlib)
		}
		if err == nil {
			err = line(fieldData, base64.StdEncoding.EncodeToString(data))
		}
	case ServedFiles:
		for _, name := range m.Names {
			if err = line(fieldFile, name); err != nil {
				break
			}
		}
	case Error:
		if err = line(fieldCode, string(m.Code)); err == nil && m.Reason != "" {
			err = line(fieldReason, m.Reason)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOperation, m)
	}
	if err != nil {
		return nil, err
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

type field struct{ key, value string }

// Unmarshal parses a text block produced by Marshal.
func Unmarshal(text []byte) (Message, error) {
	fields, err := splitFields(string(text))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 || fields[0].key != fieldOperation {
		return nil, fmt.Errorf("%w: first line must be %q", ErrMalformed, fieldOperation)
	}
	op, rest := Operation(fields[0].value), fields[1:]

	switch op {
	case OpClose:
		if err := expect(op, rest, nil, nil); err != nil {
			return nil, err
		}
		return Close{}, nil
	case OpDownload:
		if err := expect(op, rest, []string{fieldFileHash}, nil); err != nil {
			return nil, err
		}
		return Download{FileHash: rest[0].value}, nil
	case OpUpload:
		if err := expect(op, rest, []string{fieldData}, []string{fieldCompression}); err != nil {
			return nil, err
		}
		return unpackUpload(rest)
	case OpServedFiles:
		var names []string
		for _, f := range rest {
			if f.key != fieldFile {
				return nil, fmt.Errorf("%w: unexpected field %q in %s", ErrMalformed, f.key, op)
			}
			names = append(names, f.value)
		}
		return ServedFiles{Names: names}, nil
	case OpError:
		if err := expect(op, rest, []string{fieldCode}, []string{fieldReason}); err != nil {
			return nil, err
		}
		e := Error{}
		for _, f := range rest {
			switch f.key {
			case fieldCode:
				e.Code = ErrorCode(f.value)
			case fieldReason:
				e.Reason = f.value
			}
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
}

func splitFields(text string) ([]field, error) {
	end := strings.Index(text, "\n\n")
	if end < 0 {
		return nil, fmt.Errorf("%w: missing blank line terminator", ErrMalformed)
	}
	if end+2 != len(text) {
		return nil, fmt.Errorf("%w: data after terminator", ErrMalformed)
	}
	var out []field
	for _, ln := range strings.Split(text[:end], "\n") {
		k, v, ok := strings.Cut(ln, ":")
		if !ok {
			return nil, fmt.Errorf("%w: line %q has no ':'", ErrMalformed, ln)
		}
		out = append(out, field{key: strings.TrimSpace(k), value: strings.TrimPrefix(v, " ")})
	}
	return out, nil
}

// expect checks that every required field appears once and nothing but the
// optional ones appears besides.
func expect(op Operation, fields []field, required, optional []string) error {
	seen := make(map[string]int, len(fields))
	for _, f := range fields {
		seen[f.key]++
	}
	for _, k := range required {
		if seen[k] != 1 {
			return fmt.Errorf("%w: %s needs exactly one %q field", ErrMalformed, op, k)
		}
		delete(seen, k)
	}
	for _, k := range optional {
		if seen[k] > 1 {
			return fmt.Errorf("%w: repeated %q field in %s", ErrMalformed, k, op)
		}
		delete(seen, k)
	}
	for k := range seen {
		return fmt.Errorf("%w: unexpected field %q in %s", ErrMalformed, k, op)
	}
	return nil
}

func unpackUpload(fields []field) (Message, error) {
	var data, compression string
	for _, f := range fields {
		switch f.key {
		case fieldData:
			data = f.value
		case fieldCompression:
			compression = f.value
		}
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: upload data: %v", ErrMalformed, err)
	}
	switch compression {
	case "":
	case compressionZlib:
		if raw, err = decompressBytes(raw); err != nil {
			return nil, fmt.Errorf("%w: upload data: %v", ErrMalformed, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", ErrMalformed, compression)
	}
	return Upload{Content: raw}, nil
}

// packContent compresses content when zlib actually pays off.
func packContent(content []byte) ([]byte, bool) {
	if len(content) == 0 {
		return content, false
	}
	comp, err := compressBytes(content)
	if err != nil {
		return content, false
	}
	if 1.0-float64(len(comp))/float64(len(content)) < compressGain {
		return content, false
	}
	return comp, true
}

func compressBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// maxInflated caps decompressed upload content.
var maxInflated = MaxFrame

func decompressBytes(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib open: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(maxInflated)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflated {
		return nil, fmt.Errorf("inflates past %d bytes", maxInflated)
	}
	return out, nil
}
