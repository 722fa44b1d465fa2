// Copyright © 2024 AI Horde <contact@aihorde.net>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package hordeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/aihorde/horde-image-worker/common"
)

// Client is the dispatch-API surface the orchestrator depends on. The engine
// takes this interface so tests can substitute a scripted fake.
type Client interface {
	PopImageGenerateJob(ctx context.Context, req *ImageGenerateJobPopRequest) (*ImageGenerateJobPopResponse, error)
	SubmitJob(ctx context.Context, req *JobSubmitRequest) (*JobSubmitResponse, error)
	FindUser(ctx context.Context, apiKey string) (*FindUserResponse, error)
	UploadArtifact(ctx context.Context, url string, body []byte) error
}

type httpClient struct {
	baseURL string
	inner   *http.Client
}

// NewClient builds the production client. baseURL defaults to the public
// horde when empty (the env var still applies).
func NewClient(baseURL string) Client {
	if baseURL == "" {
		baseURL = common.GetEnvironmentVariable(common.EEnvironmentVariable.APIBaseURL())
	}
	return &httpClient{
		baseURL: baseURL,
		inner: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

func (c *httpClient) do(ctx context.Context, method, path, apiKey string, reqBody, respBody interface{}) error {
	var bodyReader io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return errors.Wrap(err, "marshaling request")
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("User-Agent", common.UserAgent)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("apikey", apiKey)
	}

	resp, err := c.inner.Do(req)
	if err != nil {
		return &ClientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ClientError{Op: "reading response of " + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := &RequestError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(raw, reqErr); err != nil || reqErr.Message == "" {
			reqErr.Message = string(raw)
		}
		return reqErr
	}

	if respBody != nil {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return errors.Wrapf(err, "unmarshaling response of %s", path)
		}
	}
	return nil
}

func (c *httpClient) PopImageGenerateJob(ctx context.Context, req *ImageGenerateJobPopRequest) (*ImageGenerateJobPopResponse, error) {
	resp := &ImageGenerateJobPopResponse{}
	if err := c.do(ctx, http.MethodPost, "/v2/generate/pop", req.APIKey, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *httpClient) SubmitJob(ctx context.Context, req *JobSubmitRequest) (*JobSubmitResponse, error) {
	resp := &JobSubmitResponse{}
	if err := c.do(ctx, http.MethodPost, "/v2/generate/submit", req.APIKey, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *httpClient) FindUser(ctx context.Context, apiKey string) (*FindUserResponse, error) {
	resp := &FindUserResponse{}
	if err := c.do(ctx, http.MethodPost, "/v2/find_user", apiKey, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UploadArtifact PUTs raw bytes to a presigned object-store URL. No auth
// headers: the signature is in the URL.
func (c *httpClient) UploadArtifact(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building upload request")
	}
	req.ContentLength = int64(len(body))

	resp, err := c.inner.Do(req)
	if err != nil {
		return &ClientError{Op: "uploading artifact", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{StatusCode: resp.StatusCode, Message: "artifact upload rejected"}
	}
	return nil
}
