package wire

import (
	"bytes"
	"io"
	"testing"
	"time"

	"overlay/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func TestCodec_Registered(t *testing.T) {
	assert.NotNil(t, encoding.GetCodec(CodecName))
	assert.NotNil(t, encoding.GetCompressor(CompressorName))
}

func TestCodec_DomainMessage(t *testing.T) {
	req := &types.OPRFRequest{
		BlindedValue: []byte{1, 2, 3},
		PowNonce:     42,
		CohortID:     "cohort-a",
		EpochBucket:  2839,
	}

	data, err := Codec{}.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cohort_id":"cohort-a"`)

	var decoded types.OPRFRequest
	require.NoError(t, Codec{}.Unmarshal(data, &decoded))
	assert.Equal(t, *req, decoded)
}

func TestCodec_ProtoMessage(t *testing.T) {
	now := time.Unix(1717243200, 500)
	data, err := Codec{}.Marshal(timestamppb.New(now))
	require.NoError(t, err)

	var ts timestamppb.Timestamp
	require.NoError(t, Codec{}.Unmarshal(data, &ts))
	assert.True(t, now.Equal(ts.AsTime()))
}

func TestCodec_UnmarshalError(t *testing.T) {
	var req types.OPRFRequest
	assert.Error(t, Codec{}.Unmarshal([]byte("{not json"), &req))
}

func TestZstdCompressor_Stream(t *testing.T) {
	payload := bytes.Repeat([]byte("farmcraft-topic|OVERWORLD|"), 200)

	var buf bytes.Buffer
	w, err := zstdCompressor{}.Compress(&buf)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Less(t, buf.Len(), len(payload))

	r, err := zstdCompressor{}.Decompress(&buf)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestCompressBytes(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 4096)

	compressed, err := Compress(payload)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(payload))

	out, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	_, err = Decompress([]byte("not zstd"))
	assert.Error(t, err)
}
