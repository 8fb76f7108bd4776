package crypto

import (
	"bytes"
	"strings"
)

const (
	// HeaderStart and HeaderEnd delimit the header envelope.
	HeaderStart = "HBEGIN"
	HeaderEnd   = "HEND"

	// HeaderBlockSize is the size of a header embedded at the start of an object.
	HeaderBlockSize = 8192

	// HeaderCipher and HeaderKeyFormat are the keys every generated header carries.
	HeaderCipher    = "cipher"
	HeaderKeyFormat = "keyFormat"

	// KeyFormatPassword marks secrets used as-is; KeyFormatHash marks PBKDF2-derived secrets.
	KeyFormatPassword = "password"
	KeyFormatHash     = "hash"

	headerSeparator   = ":"
	headerPaddingChar = '-'
)

// Header is an ordered string mapping serialized as HBEGIN:k1:v1:...:HEND.
// Unknown keys are preserved so newer writers stay readable.
type Header struct {
	keys   []string
	values map[string]string
}

// NewHeader returns an empty header.
func NewHeader() *Header {
	return &Header{values: make(map[string]string)}
}

// Set adds or replaces a value, keeping the original position of existing keys.
func (h *Header) Set(key, value string) {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

// Get returns the value stored under key.
func (h *Header) Get(key string) (string, bool) {
	if h == nil {
		return "", false
	}
	v, ok := h.values[key]
	return v, ok
}

// Keys returns the header keys in insertion order.
func (h *Header) Keys() []string {
	if h == nil {
		return nil
	}
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Len returns the number of pairs. Zero means no header was present.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

// Cipher returns the cipher recorded in the header, or "".
func (h *Header) Cipher() string {
	v, _ := h.Get(HeaderCipher)
	return v
}

// KeyFormat returns the key format recorded in the header, or "".
func (h *Header) KeyFormat() string {
	v, _ := h.Get(HeaderKeyFormat)
	return v
}

// Map returns a copy of the pairs.
func (h *Header) Map() map[string]string {
	out := make(map[string]string, h.Len())
	if h == nil {
		return out
	}
	for k, v := range h.values {
		out[k] = v
	}
	return out
}

// String encodes the header without padding.
func (h *Header) String() string {
	var b strings.Builder
	b.WriteString(HeaderStart)
	b.WriteString(headerSeparator)
	if h != nil {
		for _, k := range h.keys {
			b.WriteString(k)
			b.WriteString(headerSeparator)
			b.WriteString(h.values[k])
			b.WriteString(headerSeparator)
		}
	}
	b.WriteString(HeaderEnd)
	return b.String()
}

// Bytes encodes the header without padding.
func (h *Header) Bytes() []byte {
	return []byte(h.String())
}

// Block encodes the header padded with '-' to a multiple of HeaderBlockSize,
// suitable for embedding in front of the ciphertext.
func (h *Header) Block() []byte {
	encoded := h.Bytes()
	size := HeaderBlockSize
	for size < len(encoded) {
		size += HeaderBlockSize
	}
	block := make([]byte, size)
	copy(block, encoded)
	for i := len(encoded); i < size; i++ {
		block[i] = headerPaddingChar
	}
	return block
}

// GenerateHeader builds a header for the cipher. An empty keyFormat means "hash".
func GenerateHeader(cipherName, keyFormat string) (*Header, error) {
	if keyFormat == "" {
		keyFormat = KeyFormatHash
	}
	if keyFormat != KeyFormatHash && keyFormat != KeyFormatPassword {
		return nil, &InvalidKeyFormatError{Format: keyFormat}
	}
	if _, err := LookupCipher(cipherName); err != nil {
		return nil, err
	}

	h := NewHeader()
	h.Set(HeaderCipher, cipherName)
	h.Set(HeaderKeyFormat, keyFormat)
	return h, nil
}

// ParseHeader never fails: data without a complete HBEGIN...HEND envelope yields
// an empty header. Everything after HEND (padding, ciphertext) is ignored.
func ParseHeader(data []byte) *Header {
	h := NewHeader()

	body, ok := headerBody(data)
	if !ok || len(body) == 0 {
		return h
	}

	fields := strings.Split(string(body), headerSeparator)
	for i := 0; i+1 < len(fields); i += 2 {
		h.Set(fields[i], fields[i+1])
	}
	return h
}

// HeaderLength returns the number of bytes the unpadded header occupies at the
// start of data, or 0 when data has no header.
func HeaderLength(data []byte) int {
	if !bytes.HasPrefix(data, []byte(HeaderStart)) {
		return 0
	}
	end := bytes.Index(data[len(HeaderStart):], []byte(headerSeparator+HeaderEnd))
	if end < 0 {
		return 0
	}
	return len(HeaderStart) + end + len(headerSeparator) + len(HeaderEnd)
}

// headerBody returns the text between "HBEGIN:" and ":HEND".
func headerBody(data []byte) ([]byte, bool) {
	n := HeaderLength(data)
	if n == 0 {
		return nil, false
	}
	body := data[len(HeaderStart) : n-len(headerSeparator)-len(HeaderEnd)]
	return bytes.TrimPrefix(body, []byte(headerSeparator)), true
}

// HeaderBlockLength returns the size of the padded header block at the start
// of data: HeaderLength rounded up to a multiple of HeaderBlockSize.
func HeaderBlockLength(data []byte) int {
	n := HeaderLength(data)
	if n == 0 {
		return 0
	}
	size := HeaderBlockSize
	for size < n {
		size += HeaderBlockSize
	}
	if size > len(data) {
		return len(data)
	}
	return size
}

// SplitHeaderBlock separates an embedded header block from the payload that
// follows it. Data without a header is returned unchanged with an empty header.
func SplitHeaderBlock(data []byte) (*Header, []byte) {
	n := HeaderBlockLength(data)
	if n == 0 {
		return NewHeader(), data
	}
	return ParseHeader(data), data[n:]
}

// Clone returns an independent copy of h.
func (h *Header) Clone() *Header {
	out := NewHeader()
	if h == nil {
		return out
	}
	for _, k := range h.keys {
		out.Set(k, h.values[k])
	}
	return out
}
