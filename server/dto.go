package server

import (
	"net/http"
	"time"

	aidetect "github.com/anatolykoptev/go-aidetect"
)

// statusClientClosedRequest is the nginx convention for a client that went away.
const statusClientClosedRequest = 499

// LayerResponse is one layer of an analysis as served over HTTP.
type LayerResponse struct {
	Score     float64           `json:"score"`
	Summary   string            `json:"summary"`
	Evidence  aidetect.Evidence `json:"evidence"`
	ElapsedMs float64           `json:"elapsed_ms"`
}

// AnalyzeResponse is the boundary shape of a FinalVerdict.
type AnalyzeResponse struct {
	ID               string         `json:"id"`
	Filename         string         `json:"filename"`
	HashResult       LayerResponse  `json:"hash_result"`
	MetadataResult   LayerResponse  `json:"metadata_result"`
	DetectionResult  LayerResponse  `json:"detection_result"`
	FinalVerdict     aidetect.Label `json:"final_verdict"`
	ConfidenceScore  float64        `json:"confidence_score"`
	Reasoning        string         `json:"reasoning"`
	LayersExecuted   []string       `json:"layers_executed"`
	AnalyzedAt       time.Time      `json:"analyzed_at"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
}

// ErrorBody carries a machine-readable failure.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ErrorResponse is returned for a failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// BatchEntry is one slot of a batch response: either a verdict or an error.
type BatchEntry struct {
	Index    int              `json:"index"`
	Filename string           `json:"filename"`
	Result   *AnalyzeResponse `json:"result,omitempty"`
	Error    *ErrorBody       `json:"error,omitempty"`
}

// BatchResponse is the boundary shape of a BatchResult.
type BatchResponse struct {
	Results          []BatchEntry        `json:"results"`
	Stats            aidetect.BatchStats `json:"stats"`
	ProcessingTimeMs float64             `json:"processing_time_ms"`
}

// URLRequest asks the server to fetch and analyze a remote image.
type URLRequest struct {
	URL string `json:"url"`
}

func toAnalyzeResponse(v *aidetect.FinalVerdict) *AnalyzeResponse {
	resp := &AnalyzeResponse{
		ID:               v.ID,
		Filename:         v.Filename,
		FinalVerdict:     v.Label,
		ConfidenceScore:  v.FinalScore,
		Reasoning:        v.Reasoning,
		LayersExecuted:   make([]string, 0, len(v.Layers)),
		AnalyzedAt:       v.AnalyzedAt,
		ProcessingTimeMs: millis(v.Duration),
	}
	for _, l := range v.Layers {
		lr := LayerResponse{Score: l.Score, Evidence: l.Evidence, ElapsedMs: millis(l.Elapsed)}
		if l.Evidence != nil {
			lr.Summary = l.Evidence.Summary()
		}
		switch l.Layer {
		case aidetect.LayerHash:
			resp.HashResult = lr
		case aidetect.LayerMetadata:
			resp.MetadataResult = lr
		case aidetect.LayerDetection:
			resp.DetectionResult = lr
		}
		resp.LayersExecuted = append(resp.LayersExecuted, l.Layer)
	}
	return resp
}

func toErrorBody(ae *aidetect.AnalysisError) *ErrorBody {
	return &ErrorBody{Code: string(ae.Code), Message: ae.Message, Retryable: ae.Retryable}
}

func toBatchResponse(res *aidetect.BatchResult) BatchResponse {
	out := BatchResponse{
		Results:          make([]BatchEntry, len(res.Items)),
		Stats:            res.Stats,
		ProcessingTimeMs: millis(res.Duration),
	}
	for i, it := range res.Items {
		entry := BatchEntry{Index: it.Index, Filename: it.Filename}
		if it.Err != nil {
			entry.Error = toErrorBody(it.Err)
		} else {
			entry.Result = toAnalyzeResponse(it.Verdict)
		}
		out.Results[i] = entry
	}
	return out
}

// statusFor maps an analysis failure to an HTTP status.
func statusFor(code aidetect.ErrorCode) int {
	switch code {
	case aidetect.CodeInvalidImage:
		return http.StatusBadRequest
	case aidetect.CodeTimeout:
		return http.StatusGatewayTimeout
	case aidetect.CodeModelUnavailable, aidetect.CodeEmbeddingFailed, aidetect.CodeIndexUnavailable:
		return http.StatusServiceUnavailable
	case aidetect.CodeCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
