package oracle

import (
	"encoding/binary"
	"fmt"
)

// Wire framing for token sequences exchanged with the capability.
// Format: count(4) + per token: len(4) + bytes. All integers big-endian.

// EncodeTokens marshals a sequence of opaque tokens.
func EncodeTokens(tokens [][]byte) []byte {
	size := 4
	for _, tok := range tokens {
		size += 4 + len(tok)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(tokens)))
	off := 4
	for _, tok := range tokens {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(tok)))
		off += 4
		copy(buf[off:], tok)
		off += len(tok)
	}
	return buf
}

// DecodeTokens unmarshals a sequence of opaque tokens.
func DecodeTokens(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("token data too short: %d", len(data))
	}
	count := binary.BigEndian.Uint32(data[0:4])
	// Each token costs at least its 4-byte length prefix, which bounds how
	// many a frame of this size could carry.
	if uint64(count) > uint64(len(data)-4)/4 {
		return nil, fmt.Errorf("token count %d exceeds frame size %d", count, len(data))
	}
	tokens := make([][]byte, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if len(data) < off+4 {
			return nil, fmt.Errorf("token data too short for length %d: %d", i, len(data))
		}
		n := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if len(data) < off+n {
			return nil, fmt.Errorf("token data too short for token %d: %d", i, len(data))
		}
		tok := make([]byte, n)
		copy(tok, data[off:off+n])
		tokens = append(tokens, tok)
		off += n
	}
	if off != len(data) {
		return nil, fmt.Errorf("trailing bytes after %d tokens: %d", count, len(data)-off)
	}
	return tokens, nil
}

// EncodeHandles marshals ciphertext handles using the token framing.
func EncodeHandles(handles []CiphertextHandle) []byte {
	tokens := make([][]byte, len(handles))
	for i, h := range handles {
		tokens[i] = []byte(h)
	}
	return EncodeTokens(tokens)
}

// DecodeHandles unmarshals ciphertext handles from the token framing.
func DecodeHandles(data []byte) ([]CiphertextHandle, error) {
	tokens, err := DecodeTokens(data)
	if err != nil {
		return nil, err
	}
	handles := make([]CiphertextHandle, len(tokens))
	for i, tok := range tokens {
		handles[i] = CiphertextHandle(tok)
	}
	return handles, nil
}

// DecodeStrings unmarshals plaintext tokens from the token framing.
func DecodeStrings(data []byte) ([]string, error) {
	tokens, err := DecodeTokens(data)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = string(tok)
	}
	return out, nil
}

// EncodeStrings marshals plaintext tokens using the token framing.
func EncodeStrings(tokens []string) []byte {
	raw := make([][]byte, len(tokens))
	for i, tok := range tokens {
		raw[i] = []byte(tok)
	}
	return EncodeTokens(raw)
}
