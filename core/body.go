package core

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"

	"github.com/goliatone/go-apiclient/internal/json"
)

const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// Body is an opaque request payload. Encode is called once per attempt and
// must return a fresh reader every time.
type Body interface {
	Encode() (io.Reader, string, error)
}

type jsonBody struct {
	value any
}

// JSONBody serializes value as the request payload.
func JSONBody(value any) Body {
	return jsonBody{value: value}
}

func (b jsonBody) Encode() (io.Reader, string, error) {
	payload, err := json.Marshal(b.value)
	if err != nil {
		return nil, "", fmt.Errorf("core: encode json body: %w", err)
	}
	return bytes.NewReader(payload), ContentTypeJSON, nil
}

type rawBody struct {
	payload     []byte
	contentType string
}

// RawBody sends payload verbatim. An empty contentType defaults to
// application/octet-stream.
func RawBody(payload []byte, contentType string) Body {
	if contentType == "" {
		contentType = ContentTypeOctetStream
	}
	return rawBody{payload: append([]byte(nil), payload...), contentType: contentType}
}

func (b rawBody) Encode() (io.Reader, string, error) {
	return bytes.NewReader(b.payload), b.contentType, nil
}

// MultipartBuilder writes the parts of a multipart form.
type MultipartBuilder func(w *multipart.Writer) error

type multipartBody struct {
	build MultipartBuilder
}

// MultipartBody builds a multipart/form-data payload. The builder runs on
// every attempt so file parts can be re-read.
func MultipartBody(build MultipartBuilder) Body {
	return multipartBody{build: build}
}

func (b multipartBody) Encode() (io.Reader, string, error) {
	if b.build == nil {
		return nil, "", fmt.Errorf("core: multipart builder is required")
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := b.build(writer); err != nil {
		return nil, "", fmt.Errorf("core: build multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("core: close multipart body: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}
