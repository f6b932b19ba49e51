// Package mux implements C5: the gRPC multiplexer that routes embedding
// inference calls to the named worker's backend, plus the backend
// connection pool that makes that routing cheap.
package mux

// Target identifies which worker a routed request is for. Only InstanceName
// routing is implemented; ModelID and Index are accepted on the wire but
// always rejected with Unimplemented.
type Target struct {
	InstanceName string `json:"instance_name,omitempty"`
	ModelID      string `json:"model_id,omitempty"`
	Index        *uint32 `json:"index,omitempty"`
}

// RoutedRequest wraps every inbound unary or streaming message with the
// target it should be forwarded to.
type RoutedRequest struct {
	Target  Target          `json:"target"`
	Request interface{}     `json:"request"`
	Raw     RawInnerMessage `json:"-"`
}

// RawInnerMessage carries the inner request/response payload as opaque
// bytes between the codec boundary and the typed forwarding handlers, since
// the envelope's "request" field's concrete type depends on the RPC method.
type RawInnerMessage []byte

// InfoRequest carries no fields; InfoResponse describes the backend model.
type InfoRequest struct{}

type InfoResponse struct {
	ModelID              string `json:"model_id"`
	ModelType             string `json:"model_type,omitempty"`
	MaxInputLength        int    `json:"max_input_length"`
	MaxBatchTokens        int    `json:"max_batch_tokens"`
	MaxConcurrentRequests int    `json:"max_concurrent_requests"`
}

// EmbedRequest/EmbedResponse cover the dense embedding RPC.
type EmbedRequest struct {
	Inputs    []string `json:"inputs"`
	Truncate  bool     `json:"truncate,omitempty"`
	Normalize bool     `json:"normalize,omitempty"`
}

type EmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedSparseRequest/EmbedSparseResponse cover the sparse embedding RPC.
type EmbedSparseRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate,omitempty"`
}

type SparseValue struct {
	Index uint32  `json:"index"`
	Value float32 `json:"value"`
}

type EmbedSparseResponse struct {
	SparseEmbeddings [][]SparseValue `json:"sparse_embeddings"`
}

// EmbedAllRequest/EmbedAllResponse return every token's embedding rather
// than a pooled sentence embedding.
type EmbedAllRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate,omitempty"`
}

type EmbedAllResponse struct {
	Embeddings [][][]float32 `json:"embeddings"`
}

// PredictRequest/PredictResponse cover single-input classification.
type PredictRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate,omitempty"`
	RawScores bool    `json:"raw_scores,omitempty"`
}

type Prediction struct {
	Score float32 `json:"score"`
	Label string  `json:"label"`
}

type PredictResponse struct {
	Predictions [][]Prediction `json:"predictions"`
}

// PredictPairRequest/PredictPairResponse cover pairwise classification
// (e.g. cross-encoder reranking scoring) over (query, text) tuples.
type PredictPairRequest struct {
	Inputs    [][2]string `json:"inputs"`
	Truncate  bool        `json:"truncate,omitempty"`
	RawScores bool        `json:"raw_scores,omitempty"`
}

type PredictPairResponse struct {
	Predictions [][]Prediction `json:"predictions"`
}

// RerankRequest/RerankResponse rank candidate texts against one query.
type RerankRequest struct {
	Query        string   `json:"query"`
	Texts        []string `json:"texts"`
	Truncate     bool     `json:"truncate,omitempty"`
	RawScores    bool     `json:"raw_scores,omitempty"`
	ReturnText   bool     `json:"return_text,omitempty"`
}

type RankedText struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
	Text  string  `json:"text,omitempty"`
}

type RerankResponse struct {
	Ranks []RankedText `json:"ranks"`
}

// TokenizeRequest/TokenizeResponse and DecodeRequest/DecodeResponse cover
// the tokenizer round trip.
type TokenizeRequest struct {
	Inputs        []string `json:"inputs"`
	AddSpecialTokens bool  `json:"add_special_tokens,omitempty"`
}

type Token struct {
	ID      uint32 `json:"id"`
	Text    string `json:"text"`
	Special bool   `json:"special"`
}

type TokenizeResponse struct {
	Tokens [][]Token `json:"tokens"`
}

type DecodeRequest struct {
	IDs                [][]uint32 `json:"ids"`
	SkipSpecialTokens bool       `json:"skip_special_tokens,omitempty"`
}

type DecodeResponse struct {
	Texts []string `json:"texts"`
}

// EmbedArrowRequest/EmbedArrowResponse and the sparse counterpart carry an
// Arrow IPC byte buffer rather than a JSON array of strings/floats, the
// fast path for large batches.
type EmbedArrowRequest struct {
	ArrowIPC       []byte `json:"arrow_ipc"`
	LZ4Compressed  bool   `json:"lz4_compressed,omitempty"`
	Truncate       bool   `json:"truncate,omitempty"`
	Normalize      bool   `json:"normalize,omitempty"`
	Noop           bool   `json:"noop,omitempty"`
}

type EmbedArrowResponse struct {
	ArrowIPC      []byte `json:"arrow_ipc"`
	LZ4Compressed bool   `json:"lz4_compressed"`
}

type EmbedSparseArrowRequest struct {
	ArrowIPC      []byte `json:"arrow_ipc"`
	LZ4Compressed bool   `json:"lz4_compressed,omitempty"`
	Truncate      bool   `json:"truncate,omitempty"`
	Noop          bool   `json:"noop,omitempty"`
}

type EmbedSparseArrowResponse struct {
	ArrowIPC      []byte `json:"arrow_ipc"`
	LZ4Compressed bool   `json:"lz4_compressed"`
}

// ListTargetsRequest carries no fields; ListTargetsResponse is a reflection-
// style introspection of every worker name currently registered, regardless
// of runtime status.
type ListTargetsRequest struct{}

type ListTargetsResponse struct {
	Names []string `json:"names"`
}
