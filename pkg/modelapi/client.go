// Package modelapi talks to the backend's model endpoints: the multipart upload
// that returns model metadata, and the refresh action that returns the current
// model file after the backend modified it.
package modelapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/sapcad/pkg/render"
	"github.com/go-go-golems/sapcad/pkg/session"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxErrorBody = 4 << 10

type Client struct {
	uploadURL  string
	refreshURL string
	http       *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRefreshURL points refresh calls somewhere other than the upload endpoint.
func WithRefreshURL(u string) Option {
	return func(cl *Client) {
		if strings.TrimSpace(u) != "" {
			cl.refreshURL = u
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http.Timeout = d
		}
	}
}

func NewClient(uploadURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(uploadURL) == "" {
		return nil, errors.New("modelapi: empty upload url")
	}
	c := &Client{
		uploadURL:  uploadURL,
		refreshURL: uploadURL,
		http:       cleanhttp.DefaultPooledClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type uploadMetadata struct {
	ProjectName        *string `json:"ProjectName"`
	ProjectDescription *string `json:"ProjectDescription"`
	Error              string  `json:"error"`
}

type uploadResponse struct {
	Filename string                `json:"filename"`
	Metadata *uploadMetadata       `json:"metadata"`
	Entities []session.EntityCount `json:"entities"`
	Error    string                `json:"error"`
}

// Upload posts the file and turns the response into a ModelContext. Any
// response without metadata, or carrying an error, fails with ErrUploadFailed.
func (c *Client) Upload(ctx context.Context, path string) (*session.ModelContext, error) {
	if err := session.ValidateSelection(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	filename := filepath.Base(path)
	body, contentType, err := multipartBody(func(w *multipart.Writer) error {
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			return err
		}
		_, err = io.Copy(part, f)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "build upload body")
	}

	logger := log.With().Str("component", "modelapi").Str("filename", filename).Logger()
	resp, err := c.post(ctx, c.uploadURL, body, contentType)
	if err != nil {
		return nil, errors.Wrap(session.ErrUploadFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorBody(resp.Body)
		logger.Warn().Int("status", resp.StatusCode).Str("body", msg).Msg("upload rejected")
		return nil, errors.Wrapf(session.ErrUploadFailed, "status %d: %s", resp.StatusCode, msg)
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return nil, errors.Wrapf(session.ErrUploadFailed, "decode response: %v", err)
	}
	if ur.Error != "" {
		return nil, errors.Wrap(session.ErrUploadFailed, ur.Error)
	}
	if ur.Metadata == nil {
		return nil, errors.Wrap(session.ErrUploadFailed, "response has no metadata")
	}
	if ur.Metadata.Error != "" {
		return nil, errors.Wrap(session.ErrUploadFailed, ur.Metadata.Error)
	}

	mc := &session.ModelContext{
		Filename: filename,
		Entities: ur.Entities,
	}
	if ur.Filename != "" {
		mc.Filename = ur.Filename
	}
	if ur.Metadata.ProjectName != nil {
		mc.ProjectName = *ur.Metadata.ProjectName
	}
	if ur.Metadata.ProjectDescription != nil {
		mc.ProjectDescription = *ur.Metadata.ProjectDescription
	}
	logger.Info().Str("project", mc.ProjectName).Int("entity_types", len(mc.Entities)).Msg("model uploaded")
	return mc, nil
}

// Refresh asks the backend for the current version of filename.
func (c *Client) Refresh(ctx context.Context, filename string) (*render.Resource, error) {
	body, contentType, err := multipartBody(func(w *multipart.Writer) error {
		if err := w.WriteField("action", "refresh"); err != nil {
			return err
		}
		return w.WriteField("filename", filename)
	})
	if err != nil {
		return nil, errors.Wrap(err, "build refresh body")
	}

	resp, err := c.post(ctx, c.refreshURL, body, contentType)
	if err != nil {
		return nil, errors.Wrap(session.ErrRefreshFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Wrapf(session.ErrRefreshFailed, "status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(session.ErrRefreshFailed, "read body: %v", err)
	}
	if len(data) == 0 {
		return nil, errors.Wrap(session.ErrRefreshFailed, "empty model")
	}
	return &render.Resource{
		Name:        filename,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (c *Client) post(ctx context.Context, url string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.http.Do(req)
}

func multipartBody(fill func(*multipart.Writer) error) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := fill(w); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
