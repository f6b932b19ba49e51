package mux

import (
	"bytes"
	"context"
	"testing"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTextBatch(t *testing.T, texts []string) []byte {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{{Name: "text", Type: arrow.BinaryTypes.String}}, nil)
	builder := array.NewStringBuilder(arrowAllocator)
	defer builder.Release()
	builder.AppendValues(texts, nil)
	arr := builder.NewStringArray()
	defer arr.Release()

	rec := array.NewRecord(schema, []arrow.Array{arr}, int64(len(texts)))
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(arrowAllocator))
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func TestReadTextColumnRoundTrips(t *testing.T) {
	ipcBytes := buildTextBatch(t, []string{"hello", "world", "foo"})
	texts, err := readTextColumn(ipcBytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world", "foo"}, texts)
}

func TestReadTextColumnRejectsWrongSchema(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{{Name: "n", Type: arrow.PrimitiveTypes.Int64}}, nil)
	builder := array.NewInt64Builder(arrowAllocator)
	defer builder.Release()
	builder.AppendValues([]int64{1, 2}, nil)
	arr := builder.NewInt64Array()
	defer arr.Release()
	rec := array.NewRecord(schema, []arrow.Array{arr}, 2)
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(arrowAllocator))
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Close())

	_, err := readTextColumn(buf.Bytes())
	assert.Error(t, err)
}

func TestWriteDenseEmbeddingsRoundTrips(t *testing.T) {
	rows := [][]float32{
		{1, 2, 3},
		{4, 5, 6},
	}
	ipcBytes, err := writeDenseEmbeddings(rows, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, ipcBytes)

	reader, err := ipc.NewReader(bytes.NewReader(ipcBytes))
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())
	rec := reader.Record()
	assert.Equal(t, int64(2), rec.NumRows())
}

func TestCompressDecompressRoundTrips(t *testing.T) {
	original := []byte("some arrow ipc payload bytes for compression round trip testing")
	compressed, err := compressIfRequested(original, true)
	require.NoError(t, err)
	assert.NotEqual(t, original, compressed)

	decompressed, err := decompressIfNeeded(compressed, true)
	require.NoError(t, err)
	assert.Equal(t, original, decompressed)
}

func TestHandleEmbedArrowNoopReturnsFixedDimensionZeroVectors(t *testing.T) {
	m := NewMultiplexer(ServerOptions{})
	ipcBytes := buildTextBatch(t, []string{"a", "b", "c"})

	resp, err := m.handleEmbedArrow(context.Background(), Target{}, &EmbedArrowRequest{ArrowIPC: ipcBytes, Noop: true})
	require.NoError(t, err)

	reader, err := ipc.NewReader(bytes.NewReader(resp.ArrowIPC))
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())
	rec := reader.Record()
	assert.Equal(t, int64(3), rec.NumRows())
	assert.Equal(t, int32(noopEmbeddingDim), rec.Schema().Field(0).Type.(*arrow.FixedSizeListType).Len())
}
