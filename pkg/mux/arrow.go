package mux

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/pierrec/lz4/v4"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// noopEmbeddingDim is the fixed dimension of the zero vectors returned when
// EmbedArrow/EmbedSparseArrow is invoked with noop set, matching
// original_source's hardcoded BGE-small-sized default.
const noopEmbeddingDim = 384

var arrowAllocator = memory.NewGoAllocator()

func decompressIfNeeded(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	var out bytes.Buffer
	if _, err := io.Copy(&out, lz4.NewReader(bytes.NewReader(data))); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func compressIfRequested(data []byte, compress bool) ([]byte, error) {
	if !compress {
		return data, nil
	}
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// readTextColumn parses an Arrow IPC stream, validating it carries exactly
// one record batch with a single string column, and returns the input
// texts in row order.
func readTextColumn(ipcBytes []byte) ([]string, error) {
	reader, err := ipc.NewReader(bytes.NewReader(ipcBytes), ipc.WithAllocator(arrowAllocator))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid arrow IPC stream: %v", err)
	}
	defer reader.Release()

	if reader.Schema().NumFields() != 1 || reader.Schema().Field(0).Type.ID() != arrow.STRING {
		return nil, status.Error(codes.InvalidArgument, "arrow batch must carry exactly one string column")
	}

	var texts []string
	for reader.Next() {
		rec := reader.Record()
		col, ok := rec.Column(0).(*array.String)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "arrow batch's single column is not a string array")
		}
		for i := 0; i < col.Len(); i++ {
			texts = append(texts, col.Value(i))
		}
	}
	if err := reader.Err(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "error reading arrow batch: %v", err)
	}
	return texts, nil
}

// writeDenseEmbeddings serializes a rows x dim float32 matrix as a single
// Arrow record batch of one FixedSizeList<Float32> column, pre-allocating a
// flat buffer rather than building per-row lists.
func writeDenseEmbeddings(rows [][]float32, dim int) ([]byte, error) {
	field := arrow.Field{Name: "embedding", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)}
	schema := arrow.NewSchema([]arrow.Field{field}, nil)

	listBuilder := array.NewFixedSizeListBuilder(arrowAllocator, int32(dim), arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)

	flat := make([]float32, 0, len(rows)*dim)
	for _, row := range rows {
		listBuilder.Append(true)
		flat = append(flat, row...)
	}
	valueBuilder.AppendValues(flat, nil)

	arr := listBuilder.NewListArray()
	defer arr.Release()

	rec := array.NewRecord(schema, []arrow.Array{arr}, int64(len(rows)))
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(arrowAllocator))
	if err := writer.Write(rec); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeSparseEmbeddings serializes rows of (index, value) pairs as a single
// Arrow record batch of one variable-length List<Struct{index,value}>
// column: one scan over the rows sizes the builders, then a single pass
// appends the offsets and values.
func writeSparseEmbeddings(rows [][]SparseValue) ([]byte, error) {
	structType := arrow.StructOf(
		arrow.Field{Name: "index", Type: arrow.PrimitiveTypes.Uint32},
		arrow.Field{Name: "value", Type: arrow.PrimitiveTypes.Float32},
	)
	field := arrow.Field{Name: "sparse_embedding", Type: arrow.ListOf(structType)}
	schema := arrow.NewSchema([]arrow.Field{field}, nil)

	listBuilder := array.NewListBuilder(arrowAllocator, structType)
	defer listBuilder.Release()
	structBuilder := listBuilder.ValueBuilder().(*array.StructBuilder)
	indexBuilder := structBuilder.FieldBuilder(0).(*array.Uint32Builder)
	valueBuilder := structBuilder.FieldBuilder(1).(*array.Float32Builder)

	total := 0
	for _, row := range rows {
		total += len(row)
	}
	listBuilder.Reserve(len(rows))
	structBuilder.Reserve(total)
	indexBuilder.Reserve(total)
	valueBuilder.Reserve(total)

	for _, row := range rows {
		listBuilder.Append(true)
		for _, sv := range row {
			structBuilder.Append(true)
			indexBuilder.Append(sv.Index)
			valueBuilder.Append(sv.Value)
		}
	}

	arr := listBuilder.NewListArray()
	defer arr.Release()

	rec := array.NewRecord(schema, []arrow.Array{arr}, int64(len(rows)))
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(arrowAllocator))
	if err := writer.Write(rec); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fanOutEmbed issues one Embed RPC per text against target with bounded
// concurrency, joining results back into input order via an indexed slice
// rather than an unordered collector.
func fanOutEmbed(ctx context.Context, m *Multiplexer, target Target, texts []string, truncate, normalize bool) ([][]float32, error) {
	results := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	sem := make(chan struct{}, m.maxArrowFanOut)
	var wg sync.WaitGroup
	for i, text := range texts {
		i, text := i, text
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			resp, err := forward[EmbedRequest, EmbedResponse](ctx, m, target, "/tei.v1.Embed/Embed",
				&EmbedRequest{Inputs: []string{text}, Truncate: truncate, Normalize: normalize})
			if err != nil {
				errs[i] = err
				return
			}
			if len(resp.Embeddings) != 1 {
				errs[i] = status.Error(codes.Internal, "backend returned unexpected embedding count")
				return
			}
			results[i] = resp.Embeddings[0]
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, status.Errorf(codes.Internal, "arrow batch embed failed: %v", err)
		}
	}
	return results, nil
}

func fanOutEmbedSparse(ctx context.Context, m *Multiplexer, target Target, texts []string, truncate bool) ([][]SparseValue, error) {
	results := make([][]SparseValue, len(texts))
	errs := make([]error, len(texts))

	sem := make(chan struct{}, m.maxArrowFanOut)
	var wg sync.WaitGroup
	for i, text := range texts {
		i, text := i, text
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			resp, err := forward[EmbedSparseRequest, EmbedSparseResponse](ctx, m, target, "/tei.v1.Embed/EmbedSparse",
				&EmbedSparseRequest{Inputs: []string{text}, Truncate: truncate})
			if err != nil {
				errs[i] = err
				return
			}
			if len(resp.SparseEmbeddings) != 1 {
				errs[i] = status.Error(codes.Internal, "backend returned unexpected sparse embedding count")
				return
			}
			results[i] = resp.SparseEmbeddings[0]
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, status.Errorf(codes.Internal, "arrow batch embed_sparse failed: %v", err)
		}
	}
	return results, nil
}

func (m *Multiplexer) handleEmbedArrow(ctx context.Context, target Target, req *EmbedArrowRequest) (*EmbedArrowResponse, error) {
	if err := resolveTarget(target); err != nil && !req.Noop {
		return nil, err
	}

	raw, err := decompressIfNeeded(req.ArrowIPC, req.LZ4Compressed)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to decompress arrow batch: %v", err)
	}
	texts, err := readTextColumn(raw)
	if err != nil {
		return nil, err
	}

	var rows [][]float32
	if req.Noop {
		rows = make([][]float32, len(texts))
		for i := range rows {
			rows[i] = make([]float32, noopEmbeddingDim)
		}
	} else {
		rows, err = fanOutEmbed(ctx, m, target, texts, req.Truncate, req.Normalize)
		if err != nil {
			return nil, err
		}
	}

	dim := noopEmbeddingDim
	if len(rows) > 0 {
		dim = len(rows[0])
	}
	outIPC, err := writeDenseEmbeddings(rows, dim)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to serialize arrow response: %v", err)
	}
	outIPC, err = compressIfRequested(outIPC, req.LZ4Compressed)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to compress arrow response: %v", err)
	}
	return &EmbedArrowResponse{ArrowIPC: outIPC, LZ4Compressed: req.LZ4Compressed}, nil
}

func (m *Multiplexer) handleEmbedSparseArrow(ctx context.Context, target Target, req *EmbedSparseArrowRequest) (*EmbedSparseArrowResponse, error) {
	if err := resolveTarget(target); err != nil && !req.Noop {
		return nil, err
	}

	raw, err := decompressIfNeeded(req.ArrowIPC, req.LZ4Compressed)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to decompress arrow batch: %v", err)
	}
	texts, err := readTextColumn(raw)
	if err != nil {
		return nil, err
	}

	var rows [][]SparseValue
	if req.Noop {
		rows = make([][]SparseValue, len(texts))
	} else {
		rows, err = fanOutEmbedSparse(ctx, m, target, texts, req.Truncate)
		if err != nil {
			return nil, err
		}
	}

	outIPC, err := writeSparseEmbeddings(rows)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to serialize arrow response: %v", err)
	}
	outIPC, err = compressIfRequested(outIPC, req.LZ4Compressed)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to compress arrow response: %v", err)
	}
	return &EmbedSparseArrowResponse{ArrowIPC: outIPC, LZ4Compressed: req.LZ4Compressed}, nil
}
