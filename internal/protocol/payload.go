package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// recordSeparator delimits packets in Engine.IO v4 polling payloads.
const recordSeparator = 0x1e

// DecodePayload splits a polling response body into frames.
//
// Bodies are length-prefixed (`<len>:<frame><len>:<frame>...`, len counted
// in characters). A body using the v4 record separator is split on it
// instead. When the length prefixes do not add up, everything after the
// first prefix is returned as one frame; a body with no prefix at all is
// returned whole.
func DecodePayload(body []byte) [][]byte {
	if len(body) == 0 {
		return nil
	}
	if bytes.IndexByte(body, recordSeparator) >= 0 {
		var frames [][]byte
		for _, part := range bytes.Split(body, []byte{recordSeparator}) {
			if len(part) > 0 {
				frames = append(frames, part)
			}
		}
		return frames
	}
	if frames, ok := splitLengthPrefixed(body); ok {
		return frames
	}
	if _, rest, ok := lengthPrefix(body); ok {
		return [][]byte{rest}
	}
	return [][]byte{body}
}

// EncodePayload is the inverse of DecodePayload for the length-prefixed
// form.
func EncodePayload(frames ...[]byte) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.WriteString(strconv.Itoa(utf8.RuneCount(f)))
		buf.WriteByte(':')
		buf.Write(f)
	}
	return buf.Bytes()
}

func splitLengthPrefixed(body []byte) ([][]byte, bool) {
	var frames [][]byte
	for len(body) > 0 {
		n, rest, ok := lengthPrefix(body)
		if !ok {
			return nil, false
		}
		size, ok := runePrefixLen(rest, n)
		if !ok {
			return nil, false
		}
		frames = append(frames, rest[:size])
		body = rest[size:]
	}
	return frames, len(frames) > 0
}

// lengthPrefix parses a leading `<digits>:`.
func lengthPrefix(b []byte) (n int, rest []byte, ok bool) {
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(b) || b[i] != ':' {
		return 0, nil, false
	}
	n, err := strconv.Atoi(string(b[:i]))
	if err != nil || n <= 0 {
		return 0, nil, false
	}
	return n, b[i+1:], true
}

// runePrefixLen returns the byte length of the first n runes of b.
func runePrefixLen(b []byte, n int) (int, bool) {
	size := 0
	for n > 0 {
		if size >= len(b) {
			return 0, false
		}
		_, w := utf8.DecodeRune(b[size:])
		size += w
		n--
	}
	return size, true
}

// Open is the body of an Engine.IO open packet.
type Open struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// ParseOpen decodes an open packet (`0{...}`).
func ParseOpen(frame []byte) (Open, error) {
	if len(frame) == 0 || EngineType(frame[0]) != EngineOpen {
		return Open{}, fmt.Errorf("%w: expected open packet, got %q", ErrMalformedFrame, truncate(frame, 32))
	}
	var o Open
	if err := json.Unmarshal(frame[1:], &o); err != nil {
		return Open{}, fmt.Errorf("%w: open body: %v", ErrMalformedFrame, err)
	}
	if o.SID == "" {
		return Open{}, fmt.Errorf("%w: open packet without sid", ErrMalformedFrame)
	}
	return o, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
