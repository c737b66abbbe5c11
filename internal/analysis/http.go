package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/comigor/kolamchat/internal/attachment"
	"github.com/comigor/kolamchat/internal/logger"
)

const (
	chatPath    = "/api/chat"
	analyzePath = "/api/analyze_kolam"
	contactPath = "/api/contact"

	// maxResponseBytes bounds a backend body; analysis replies carry two base64 images.
	maxResponseBytes = 64 << 20
)

// HTTPClient talks to the KolamGPT backend. Each call is a single request with no
// retry.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the backend at baseURL. A nil hc uses
// http.DefaultClient.
func NewHTTPClient(baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Send posts a conversational turn. With an attachment the request is multipart,
// otherwise a JSON prompt.
func (c *HTTPClient) Send(ctx context.Context, turn Turn) Outcome {
	var (
		body        io.Reader
		contentType string
	)
	if turn.Attachment != nil {
		buf, ct, err := multipartTurn(turn)
		if err != nil {
			return Failure(NewError(KindTransport, "encode multipart request", err))
		}
		body, contentType = buf, ct
	} else {
		raw, err := json.Marshal(map[string]string{"prompt": turn.Text})
		if err != nil {
			return Failure(NewError(KindTransport, "encode chat request", err))
		}
		body, contentType = bytes.NewReader(raw), "application/json"
	}

	respBody, err := c.do(ctx, chatPath, contentType, body)
	if err != nil {
		return Failure(err)
	}
	text, err := DecodeChat(respBody)
	if err != nil {
		logger.FromContext(ctx).Warn("unusable chat reply", "error", err)
		return Failure(err)
	}
	return Success(text, nil)
}

// AnalyzeImage posts the image to the full-analysis endpoint.
func (c *HTTPClient) AnalyzeImage(ctx context.Context, img *attachment.Image) Outcome {
	if img == nil {
		return Failure(NewError(KindInvalidAttachment, "no image to analyze", attachment.ErrInvalidAttachment))
	}
	raw, err := json.Marshal(map[string]string{"image_data": img.Base64()})
	if err != nil {
		return Failure(NewError(KindTransport, "encode analysis request", err))
	}

	respBody, err := c.do(ctx, analyzePath, "application/json", bytes.NewReader(raw))
	if err != nil {
		return Failure(err)
	}
	rec, err := DecodeRecord(respBody)
	if err != nil {
		logger.FromContext(ctx).Warn("unusable analysis reply", "error", err)
		return Failure(err)
	}
	return Success(rec.Summary(), rec)
}

// do performs one POST and returns the body of a 2xx response. Every failure is an
// *Error.
func (c *HTTPClient) do(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	log := logger.FromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, NewError(KindTransport, "build request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	log.Debug("backend request", "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn("backend unreachable", "path", path, "error", err)
		return nil, NewError(KindTransport, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: "read response", Status: resp.StatusCode, Err: err}
	}
	log.Debug("backend response", "path", path, "status", resp.StatusCode, "bytes", len(raw))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg, ok := decodeErrorBody(raw); ok {
			log.Warn("backend reported error", "path", path, "status", resp.StatusCode, "error", msg)
			return nil, &Error{Kind: KindDomain, Message: msg, Status: resp.StatusCode}
		}
		log.Warn("backend error without body", "path", path, "status", resp.StatusCode)
		return nil, &Error{Kind: KindTransport, Message: http.StatusText(resp.StatusCode), Status: resp.StatusCode}
	}
	return raw, nil
}

func multipartTurn(turn Turn) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if turn.Text != "" {
		if err := w.WriteField("prompt", turn.Text); err != nil {
			return nil, "", err
		}
	}

	name := turn.Attachment.Name()
	if name == "" {
		name = "image"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, name))
	h.Set("Content-Type", turn.Attachment.MIMEType())
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, turn.Attachment.Reader()); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
