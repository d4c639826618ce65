package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	aidetect "github.com/anatolykoptev/go-aidetect"
)

const (
	codeBadRequest    = "BAD_REQUEST"
	codeBatchTooLarge = "BATCH_TOO_LARGE"
	codeFetchFailed   = "FETCH_FAILED"
	codeURLNotAllowed = "URL_NOT_ALLOWED"
)

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"service": "aidetect",
		"version": s.opts.Version,
		"endpoints": []string{
			"GET /health",
			"POST /api/v1/analyze",
			"POST /api/v1/analyze/batch",
			"POST /api/v1/analyze/url",
		},
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	cfg := s.pipeline.Config()
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"corpus_entries": cfg.Index.Len(),
		"embedding_dim":  cfg.Index.Dim(),
		"workers":        cfg.Workers,
		"max_batch":      cfg.MaxBatch,
	})
}

// handleAnalyze analyzes the multipart field "file".
func (s *Server) handleAnalyze(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, codeBadRequest, "multipart field \"file\" is required")
	}
	img, err := s.readUpload(fh)
	if err != nil {
		return analysisFailure(c, aidetect.CodeInvalidImage, err.Error())
	}

	v, err := s.pipeline.Analyze(c.Request().Context(), img)
	if err != nil {
		return s.writeAnalysisError(c, err)
	}
	return c.JSON(http.StatusOK, toAnalyzeResponse(v))
}

// handleBatch analyzes every part of the multipart field "files".
func (s *Server) handleBatch(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return badRequest(c, codeBadRequest, "multipart form expected")
	}
	files := form.File["files"]
	if len(files) == 0 {
		return badRequest(c, codeBadRequest, "multipart field \"files\" is required")
	}
	limit := s.pipeline.Config().MaxBatch
	if len(files) > limit {
		return badRequest(c, codeBatchTooLarge,
			fmt.Sprintf("batch of %d images exceeds the limit of %d", len(files), limit))
	}

	images := make([]aidetect.Image, len(files))
	for i, fh := range files {
		img, err := s.readUpload(fh)
		if err != nil {
			// An unreadable part fails only its own slot.
			slog.Warn("aidetect: batch upload unreadable", "index", i, "filename", fh.Filename, "error", err.Error())
			img = aidetect.Image{Filename: fh.Filename}
		}
		images[i] = img
	}

	res, err := s.pipeline.AnalyzeBatch(c.Request().Context(), images)
	if errors.Is(err, aidetect.ErrBatchTooLarge) {
		return badRequest(c, codeBatchTooLarge, err.Error())
	}
	if res == nil {
		return s.writeAnalysisError(c, err)
	}
	if err != nil {
		slog.Info("aidetect: batch interrupted", "request_id", requestID(c), "error", err.Error())
		return c.JSON(statusClientClosedRequest, toBatchResponse(res))
	}
	return c.JSON(http.StatusOK, toBatchResponse(res))
}

// handleURL downloads the image named in the JSON body and analyzes it.
func (s *Server) handleURL(c echo.Context) error {
	var req URLRequest
	if err := c.Bind(&req); err != nil || req.URL == "" {
		return badRequest(c, codeBadRequest, "JSON body with \"url\" is required")
	}

	ctx := c.Request().Context()
	img, err := s.pipeline.FetchImage(ctx, req.URL, aidetect.FetchOpts{
		MaxBytes:    s.opts.MaxUploadBytes,
		DenyPrivate: !s.opts.AllowPrivateURLs,
	})
	if err != nil {
		switch {
		case errors.Is(err, aidetect.ErrURLNotAllowed):
			slog.Warn("aidetect: fetch refused", "request_id", requestID(c), "url", req.URL, "error", err.Error())
			return badRequest(c, codeURLNotAllowed, err.Error())
		case errors.Is(err, aidetect.ErrInvalidImage):
			return analysisFailure(c, aidetect.CodeInvalidImage, err.Error())
		}
		slog.Warn("aidetect: fetch failed", "request_id", requestID(c), "url", req.URL, "error", err.Error())
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: ErrorBody{
			Code: codeFetchFailed, Message: err.Error(), Retryable: true,
		}})
	}

	v, err := s.pipeline.Analyze(ctx, img)
	if err != nil {
		return s.writeAnalysisError(c, err)
	}
	return c.JSON(http.StatusOK, toAnalyzeResponse(v))
}

// readUpload reads one multipart file, bounded by MaxUploadBytes.
func (s *Server) readUpload(fh *multipart.FileHeader) (aidetect.Image, error) {
	img := aidetect.Image{Filename: fh.Filename}
	if fh.Size > s.opts.MaxUploadBytes {
		return img, fmt.Errorf("%s: %d bytes exceeds the %d byte limit", fh.Filename, fh.Size, s.opts.MaxUploadBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return img, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.opts.MaxUploadBytes+1))
	if err != nil {
		return img, err
	}
	if int64(len(data)) > s.opts.MaxUploadBytes {
		return img, fmt.Errorf("%s exceeds the %d byte limit", fh.Filename, s.opts.MaxUploadBytes)
	}
	img.Data = data
	return img, nil
}

func (s *Server) writeAnalysisError(c echo.Context, err error) error {
	var ae *aidetect.AnalysisError
	if !errors.As(err, &ae) {
		code := aidetect.CodeOf(err)
		ae = &aidetect.AnalysisError{Code: code, Message: err.Error()}
	}
	status := statusFor(ae.Code)
	if status >= http.StatusInternalServerError {
		slog.Error("aidetect: analysis failed", "request_id", requestID(c), "code", ae.Code, "error", ae.Message)
	}
	return c.JSON(status, ErrorResponse{Error: *toErrorBody(ae)})
}

func analysisFailure(c echo.Context, code aidetect.ErrorCode, msg string) error {
	return c.JSON(statusFor(code), ErrorResponse{Error: ErrorBody{Code: string(code), Message: msg}})
}

func badRequest(c echo.Context, code, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{Code: code, Message: msg}})
}
