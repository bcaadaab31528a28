package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/tidwall/gjson"
)

// PreviewMeasurement uploads a raw measurement export (Klippel .dat, REW
// .mdat) and returns the gateway's parsed measurement trace as JSON.
func (c *Client) PreviewMeasurement(ctx context.Context, filename string, r io.Reader) ([]byte, error) {
	body, contentType, err := buildMultipartFile(filename, r)
	if err != nil {
		return nil, err
	}

	data, err := c.do(ctx, http.MethodPost, "/measurements/preview", body.Bytes(), contentType)
	if err != nil {
		return nil, err
	}

	trace := gjson.GetBytes(data, "measurement")
	if !trace.IsObject() {
		return nil, fmt.Errorf("%w: preview has no measurement", ErrPayload)
	}
	return []byte(trace.Raw), nil
}

func buildMultipartFile(filename string, r io.Reader) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}

	if _, err = io.Copy(part, r); err != nil {
		return nil, "", fmt.Errorf("write measurement data: %w", err)
	}

	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}
