package observability

const (
	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"
	AttrErrorType        = "error.type"
	AttrLLMProvider      = "llm.provider"
	AttrLLMModel         = "llm.model"
	AttrLLMTokensInput   = "llm.tokens.input"
	AttrLLMTokensOutput  = "llm.tokens.output"
	AttrRunKind          = "run.kind"
	AttrCollection       = "store.collection"

	SpanHTTPRequest    = "http.request"
	SpanLLMGenerate    = "llm.generate"
	SpanLLMEmbed       = "llm.embed"
	SpanPipelineRun    = "pipeline.run"
	SpanStoreSearch    = "store.search"
	SpanWindowAssemble = "window.assemble"

	DefaultServiceName  = "engram"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultSamplingRate = 1.0
	DefaultMetricsPath  = "/metrics"
)
