// Package stomp encodes and decodes STOMP 1.2 frames carried one per
// websocket message, the way Spring-style message brokers expose them.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	CommandConnect     = "CONNECT"
	CommandConnected   = "CONNECTED"
	CommandSend        = "SEND"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandDisconnect  = "DISCONNECT"
	CommandMessage     = "MESSAGE"
	CommandReceipt     = "RECEIPT"
	CommandError       = "ERROR"
)

const (
	HeaderAcceptVersion = "accept-version"
	HeaderHost          = "host"
	HeaderHeartBeat     = "heart-beat"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderReceipt       = "receipt"
	HeaderMessage       = "message"
	HeaderAuthorization = "Authorization"
)

var (
	ErrHeartbeat      = errors.New("stomp: heart-beat")
	ErrMalformedFrame = errors.New("stomp: malformed frame")
)

var knownCommands = map[string]struct{}{
	CommandConnect: {}, CommandConnected: {}, CommandSend: {}, CommandSubscribe: {},
	CommandUnsubscribe: {}, CommandDisconnect: {}, CommandMessage: {}, CommandReceipt: {},
	CommandError: {}, "STOMP": {}, "ACK": {}, "NACK": {}, "BEGIN": {}, "COMMIT": {}, "ABORT": {},
}

// Frame is one STOMP frame. Header order is kept so encoding is deterministic.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

type Header struct {
	Key   string
	Value string
}

func New(command string, kv ...string) Frame {
	f := Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

// Get returns the first value for key; repeated headers keep the first occurrence per the protocol.
func (f Frame) Get(key string) string {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

func (f *Frame) Set(key, value string) {
	for i, h := range f.Headers {
		if h.Key == key {
			f.Headers[i].Value = value
			return
		}
	}
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

func (f Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	escape := f.Command != CommandConnect && f.Command != CommandConnected
	hasLength := false
	for _, h := range f.Headers {
		if h.Key == HeaderContentLength {
			hasLength = true
		}
		buf.WriteString(encodeHeader(h.Key, escape))
		buf.WriteByte(':')
		buf.WriteString(encodeHeader(h.Value, escape))
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 && !hasLength {
		buf.WriteString(HeaderContentLength + ":" + strconv.Itoa(len(f.Body)) + "\n")
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Heartbeat is the payload sent to keep an idle connection alive.
func Heartbeat() []byte {
	return []byte{'\n'}
}

// Decode parses one frame. A payload made only of EOLs returns ErrHeartbeat.
func Decode(raw []byte) (Frame, error) {
	trimmed := bytes.TrimLeft(raw, "\r\n")
	if len(trimmed) == 0 {
		return Frame{}, ErrHeartbeat
	}

	headEnd := bytes.Index(trimmed, []byte("\n\n"))
	sepLen := 2
	if crlf := bytes.Index(trimmed, []byte("\r\n\r\n")); crlf >= 0 && (headEnd < 0 || crlf < headEnd) {
		headEnd, sepLen = crlf, 4
	}
	if headEnd < 0 {
		return Frame{}, fmt.Errorf("%w: missing header terminator", ErrMalformedFrame)
	}

	lines := strings.Split(strings.ReplaceAll(string(trimmed[:headEnd]), "\r\n", "\n"), "\n")
	command := lines[0]
	if _, ok := knownCommands[command]; !ok {
		return Frame{}, fmt.Errorf("%w: unknown command %q", ErrMalformedFrame, command)
	}
	frame := Frame{Command: command}
	unescape := command != CommandConnect && command != CommandConnected
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return Frame{}, fmt.Errorf("%w: bad header line %q", ErrMalformedFrame, line)
		}
		key, err := decodeHeader(line[:idx], unescape)
		if err != nil {
			return Frame{}, err
		}
		value, err := decodeHeader(line[idx+1:], unescape)
		if err != nil {
			return Frame{}, err
		}
		frame.Headers = append(frame.Headers, Header{Key: key, Value: value})
	}

	body := trimmed[headEnd+sepLen:]
	if rawLen := frame.Get(HeaderContentLength); rawLen != "" {
		n, err := strconv.Atoi(rawLen)
		if err != nil || n < 0 || n > len(body) {
			return Frame{}, fmt.Errorf("%w: content-length %q", ErrMalformedFrame, rawLen)
		}
		body = body[:n]
	} else {
		nul := bytes.IndexByte(body, 0)
		if nul < 0 {
			return Frame{}, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
		}
		body = body[:nul]
	}
	if len(body) > 0 {
		frame.Body = append([]byte(nil), body...)
	}
	return frame, nil
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

func encodeHeader(s string, escape bool) string {
	if !escape {
		return s
	}
	return headerEscaper.Replace(s)
}

func decodeHeader(s string, unescape bool) (string, error) {
	if !unescape || !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: dangling escape", ErrMalformedFrame)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: undefined escape \\%c", ErrMalformedFrame, s[i])
		}
	}
	return b.String(), nil
}
