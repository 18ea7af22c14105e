// Package protocol implements the SmartHelmet notification and command
// encoding carried over the Nordic UART characteristics.
package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ImpactSentinel is the plain-text frame the firmware notifies when its
// on-device model detects an impact.
const ImpactSentinel = "IMPACT"

// Commands written to the helmet.
const (
	CommandAck = "ACK"
	CommandSos = "SOS"
)

// ErrDecode marks a frame that could not be decoded. Such frames are dropped.
var ErrDecode = errors.New("protocol: malformed frame")

// Codec is the transport encoding between characteristic bytes and text.
type Codec interface {
	Name() string
	Encode(text string) []byte
	Decode(raw []byte) (string, error)
}

// RawCodec passes UTF-8 text through unchanged. Native BLE stacks deliver
// characteristic values as raw bytes, so this is the default.
type RawCodec struct{}

func (RawCodec) Name() string { return "raw" }

func (RawCodec) Encode(text string) []byte { return []byte(text) }

func (RawCodec) Decode(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: not UTF-8 text (%d bytes)", ErrDecode, len(raw))
	}
	return string(raw), nil
}

// Base64Codec carries text as standard base64, as bridged BLE stacks do.
type Base64Codec struct{}

func (Base64Codec) Name() string { return "base64" }

func (Base64Codec) Encode(text string) []byte {
	return []byte(base64.StdEncoding.EncodeToString([]byte(text)))
}

func (Base64Codec) Decode(raw []byte) (string, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: decoded payload is not UTF-8 text", ErrDecode)
	}
	return string(b), nil
}

// CodecByName returns the codec for a config value ("raw" or "base64").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "raw":
		return RawCodec{}, nil
	case "base64":
		return Base64Codec{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown encoding %q", name)
	}
}

// FrameKind tags a decoded notification.
type FrameKind int

const (
	// FrameUnrecognized is text that is neither the sentinel nor an object.
	// It carries no event.
	FrameUnrecognized FrameKind = iota
	FrameImpact
	FrameObject
)

func (k FrameKind) String() string {
	switch k {
	case FrameImpact:
		return "impact"
	case FrameObject:
		return "object"
	default:
		return "unrecognized"
	}
}

// Frame is one decoded notification.
type Frame struct {
	Kind   FrameKind
	Text   string         // trimmed decoded text
	Object map[string]any // set for FrameObject
}

// DecodeFrame turns raw characteristic bytes into a Frame. It never panics;
// every failure is an error wrapping ErrDecode.
func DecodeFrame(c Codec, raw []byte) (Frame, error) {
	text, err := c.Decode(raw)
	if err != nil {
		return Frame{}, err
	}
	msg := strings.TrimSpace(text)

	switch {
	case msg == ImpactSentinel:
		return Frame{Kind: FrameImpact, Text: msg}, nil
	case strings.HasPrefix(msg, "{"):
		var obj map[string]any
		if err := json.Unmarshal([]byte(msg), &obj); err != nil {
			return Frame{Kind: FrameUnrecognized, Text: msg}, fmt.Errorf("%w: json: %v", ErrDecode, err)
		}
		return Frame{Kind: FrameObject, Text: msg, Object: obj}, nil
	default:
		return Frame{Kind: FrameUnrecognized, Text: msg}, nil
	}
}

// EncodeCommand encodes a command token for the write characteristic.
func EncodeCommand(c Codec, cmd string) []byte {
	return c.Encode(cmd)
}
