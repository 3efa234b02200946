package pairing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealLayout(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	plaintext := []byte(`{"hello":"device"}`)
	packet, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.Len(t, packet, HeaderSize+len(plaintext))

	got, err := Open(key, packet)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	again, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(packet[:NonceSize], again[:NonceSize]), "nonce must be random")
}

func TestOpenFailsClosed(t *testing.T) {
	key, _ := NewKey()
	packet, err := Seal(key, []byte("secret network"))
	require.NoError(t, err)

	tampered := func(i int) []byte {
		p := append([]byte(nil), packet...)
		p[i] ^= 0x01
		return p
	}
	otherKey, _ := NewKey()

	cases := map[string]struct {
		key    []byte
		packet []byte
	}{
		"nonce":     {key, tampered(0)},
		"tag":       {key, tampered(NonceSize)},
		"cipher":    {key, tampered(HeaderSize)},
		"wrong key": {otherKey, packet},
		"short key": {key[:16], packet},
		"truncated": {key, packet[:HeaderSize-1]},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := Open(tc.key, tc.packet)
			assert.ErrorIs(t, err, ErrPayloadRejected)
			assert.Nil(t, out)
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	key, _ := NewKey()
	p := Payload{
		NetworkCredentials: NetworkCredentials{SSID: "home"},
		CompanionID:        "child-42",
		PairingCode:        "AB12CD",
	}
	packet, err := EncodePayload(key, p)
	require.NoError(t, err)

	got, err := DecodePayload(key, packet)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	incomplete, err := Seal(key, []byte(`{"companion_id":"child-42"}`))
	require.NoError(t, err)
	_, err = DecodePayload(key, incomplete)
	assert.ErrorIs(t, err, ErrPayloadRejected)
}

func TestChunkAndReassemble(t *testing.T) {
	packet := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF}, 100)

	single, err := Chunk(packet, len(packet)+ChunkHeaderSize)
	require.NoError(t, err)
	assert.Len(t, single, 1)

	chunks, err := Chunk(packet, 22)
	require.NoError(t, err)
	assert.Len(t, chunks, 15)

	r := NewReassembler()
	// 逆序加重复
	for i := len(chunks) - 1; i > 0; i-- {
		out, done, err := r.Add(chunks[i])
		require.NoError(t, err)
		assert.False(t, done)
		assert.Nil(t, out)
	}
	_, done, err := r.Add(chunks[3])
	require.NoError(t, err)
	assert.False(t, done)

	out, done, err := r.Add(chunks[0])
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, packet, out)
}

func TestReassemblerRejectsBadChunks(t *testing.T) {
	r := NewReassembler()
	_, _, err := r.Add([]byte{0})
	assert.ErrorIs(t, err, ErrInvalidChunk)

	_, _, err = r.Add([]byte{3, 2, 0xFF})
	assert.ErrorIs(t, err, ErrInvalidChunk)

	_, _, err = r.Add([]byte{0, 2, 0xFF})
	require.NoError(t, err)
	_, _, err = r.Add([]byte{1, 3, 0xFF})
	assert.ErrorIs(t, err, ErrInconsistentSize)

	r.Reset()
	out, done, err := r.Add([]byte{0, 1, 0x01})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte{0x01}, out)

	_, err = Chunk([]byte("x"), 2)
	assert.ErrorIs(t, err, ErrMTUTooSmall)
}
