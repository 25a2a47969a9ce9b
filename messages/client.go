package messages

import "encoding/base64"

// Config selects the preset for the session. The client sends it once,
// immediately after the connection opens.
type Config struct {
	Preset string
}

// Image carries one base64-encoded JPEG camera frame.
type Image struct {
	Data string
}

// Text is a typed user message.
type Text struct {
	Text string
}

func (Config) Type() string { return TypeConfig }
func (Image) Type() string  { return TypeImage }
func (Text) Type() string   { return TypeText }

func (Config) sealed() {}
func (Image) sealed()  {}
func (Text) sealed()   {}

// NewImage wraps an encoded JPEG frame for transport.
func NewImage(jpeg []byte) Image {
	return Image{Data: base64.StdEncoding.EncodeToString(jpeg)}
}

// Decode returns the raw JPEG bytes of the frame.
func (m Image) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Data)
}
