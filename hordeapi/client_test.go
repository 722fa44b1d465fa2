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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihorde/horde-image-worker/common"
)

func TestPopImageGenerateJob(t *testing.T) {
	a := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.Equal(http.MethodPost, r.Method)
		a.Equal("/v2/generate/pop", r.URL.Path)
		a.Equal("test-key", r.Header.Get("apikey"))

		body, _ := io.ReadAll(r.Body)
		var req map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &req))
		a.Equal("test worker", req["name"])
		a.NotContains(string(body), "test-key") // the key rides in the header only

		_ = json.NewEncoder(w).Encode(&ImageGenerateJobPopResponse{
			ID:       "job-1",
			Model:    "stable_diffusion_1",
			Payload:  JobPayload{Prompt: "a lighthouse", Seed: "42"},
			R2Upload: "https://bucket.example/presigned",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	resp, err := client.PopImageGenerateJob(context.Background(), &ImageGenerateJobPopRequest{
		APIKey: "test-key",
		Name:   "test worker",
	})
	require.NoError(t, err)
	a.True(resp.HasJob())
	a.Equal("job-1", resp.ID)
	a.Equal("a lighthouse", resp.Payload.Prompt)
}

func TestPopNoJobResponse(t *testing.T) {
	a := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&ImageGenerateJobPopResponse{
			Skipped: SkippedBreakdown{"max_pixels": 3, "models": 1},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	resp, err := client.PopImageGenerateJob(context.Background(), &ImageGenerateJobPopRequest{})
	require.NoError(t, err)
	a.False(resp.HasJob())
	a.Equal(3, resp.Skipped["max_pixels"])
}

func TestFindUser(t *testing.T) {
	a := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.Equal(http.MethodPost, r.Method)
		a.Equal("/v2/find_user", r.URL.Path)
		a.Equal("test-key", r.Header.Get("apikey"))

		_ = json.NewEncoder(w).Encode(&FindUserResponse{
			Username:     "tester",
			Kudos:        100,
			KudosDetails: &KudosDetails{Accumulated: 1234},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	resp, err := client.FindUser(context.Background(), "test-key")
	require.NoError(t, err)
	a.Equal("tester", resp.Username)
	require.NotNil(t, resp.KudosDetails)
	a.Equal(1234.0, resp.KudosDetails.Accumulated)
}

func TestStructuredErrorResponse(t *testing.T) {
	a := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "invalid api key"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.FindUser(context.Background(), "bad-key")
	require.Error(t, err)

	reqErr, ok := err.(*RequestError)
	require.True(t, ok)
	a.Equal(http.StatusUnauthorized, reqErr.StatusCode)
	a.Equal("invalid api key", reqErr.Message)
}

func TestTransportErrorIsClientError(t *testing.T) {
	a := assert.New(t)

	// a closed server: connection refused
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL)
	_, err := client.FindUser(context.Background(), "key")
	require.Error(t, err)

	_, ok := err.(*ClientError)
	a.True(ok)
}

func TestSubmitJob(t *testing.T) {
	a := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.Equal("/v2/generate/submit", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &req))
		a.Equal("job-1", req["id"])
		a.Equal("R2", req["generate"])
		a.Equal("Censored", req["state"])
		a.Equal(true, req["censored"])

		_ = json.NewEncoder(w).Encode(&JobSubmitResponse{Reward: 10.5})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	resp, err := client.SubmitJob(context.Background(), &JobSubmitRequest{
		APIKey:     "key",
		ID:         "job-1",
		Seed:       42,
		Generation: "R2",
		State:      common.EGenerationState.Censored(),
		Censored:   true,
	})
	require.NoError(t, err)
	a.Equal(10.5, resp.Reward)
}

func TestUploadArtifact(t *testing.T) {
	a := assert.New(t)

	var uploaded []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.Equal(http.MethodPut, r.Method)
		uploaded, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	client := NewClient("http://irrelevant.example")
	err := client.UploadArtifact(context.Background(), server.URL+"/presigned?sig=abc", []byte("webp-bytes"))
	require.NoError(t, err)
	a.Equal([]byte("webp-bytes"), uploaded)
}

func TestUploadArtifactNon2xx(t *testing.T) {
	a := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient("http://irrelevant.example")
	err := client.UploadArtifact(context.Background(), server.URL, []byte("webp-bytes"))
	require.Error(t, err)

	reqErr, ok := err.(*RequestError)
	require.True(t, ok)
	a.Equal(http.StatusInternalServerError, reqErr.StatusCode)
}
