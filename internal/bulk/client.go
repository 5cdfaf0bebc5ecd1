// Package bulk drives the inference pipeline end to end for a batch of
// studies: upload, submit, poll, download, and report.
package bulk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/pkg/models"
)

var (
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("bulk: resource not found")
	// ErrUnknownModel is returned when the server rejects the model reference.
	ErrUnknownModel = errors.New("bulk: unknown model")
	// ErrNotReady is returned when artifacts are requested before completion.
	ErrNotReady = errors.New("bulk: job result not ready")
)

// Client talks to the orchestrator API. Transient failures (5xx, network
// errors) are retried with exponential backoff; client errors are not.
type Client struct {
	baseURL    string
	http       *http.Client
	maxRetries uint64
}

func NewClient(baseURL string, timeout time.Duration, maxRetries int) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: timeout},
		maxRetries: uint64(maxRetries),
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// transientError marks a failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (c *Client) retry(op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var te *transientError
		if errors.As(err, &te) {
			return te.err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (c *Client) decode(resp *http.Response, out any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &transientError{fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return &transientError{fmt.Errorf("server error: HTTP %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 {
		code := ""
		msg := resp.Status
		if env.Error != nil {
			code = env.Error.Code
			msg = env.Error.Message
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		case code == "UNKNOWN_MODEL":
			return fmt.Errorf("%w: %s", ErrUnknownModel, msg)
		case code == "NOT_READY":
			return fmt.Errorf("%w: %s", ErrNotReady, msg)
		case resp.StatusCode == http.StatusTooManyRequests:
			return &transientError{fmt.Errorf("rate limited: %s", msg)}
		default:
			return fmt.Errorf("request rejected (%s): %s", code, msg)
		}
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// UploadStudy uploads the study archive at path and returns the registered
// study.
func (c *Client) UploadStudy(path, studyUID, seriesUID string) (*models.Study, error) {
	var study models.Study
	err := c.retry(func() error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open study: %w", err)
		}
		defer f.Close()

		var body bytes.Buffer
		form := multipart.NewWriter(&body)
		if err := form.WriteField("name", filepath.Base(path)); err != nil {
			return err
		}
		if err := form.WriteField("study_uid", studyUID); err != nil {
			return err
		}
		if err := form.WriteField("series_uid", seriesUID); err != nil {
			return err
		}
		part, err := form.CreateFormFile("volume", filepath.Base(path))
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, f); err != nil {
			return fmt.Errorf("read study: %w", err)
		}
		if err := form.Close(); err != nil {
			return err
		}

		resp, err := c.http.Post(c.baseURL+"/api/v1/studies", form.FormDataContentType(), &body)
		if err != nil {
			return &transientError{err}
		}
		return c.decode(resp, &study)
	})
	if err != nil {
		return nil, err
	}
	return &study, nil
}

// SubmitJob submits an inference job and returns the accepted job record.
func (c *Client) SubmitJob(studyRef, modelRef string) (*models.Job, error) {
	payload, _ := json.Marshal(map[string]string{
		"study_reference": studyRef,
		"model_reference": modelRef,
	})

	var job models.Job
	err := c.retry(func() error {
		resp, err := c.http.Post(c.baseURL+"/api/v1/inference/jobs", "application/json", bytes.NewReader(payload))
		if err != nil {
			return &transientError{err}
		}
		return c.decode(resp, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches the current job snapshot.
func (c *Client) GetJob(id uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := c.retry(func() error {
		resp, err := c.http.Get(fmt.Sprintf("%s/api/v1/inference/jobs/%s", c.baseURL, id))
		if err != nil {
			return &transientError{err}
		}
		return c.decode(resp, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// DownloadArtifact streams one artifact to dst, following the presigned
// redirect the server answers with.
func (c *Client) DownloadArtifact(id uuid.UUID, kind, dst string) error {
	return c.retry(func() error {
		resp, err := c.http.Get(fmt.Sprintf("%s/api/v1/inference/jobs/%s/artifacts/%s", c.baseURL, id, kind))
		if err != nil {
			return &transientError{err}
		}
		if resp.StatusCode != http.StatusOK {
			return c.decode(resp, nil)
		}
		defer resp.Body.Close()

		f, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("create %s: %w", dst, err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			os.Remove(dst)
			return &transientError{fmt.Errorf("download artifact: %w", err)}
		}
		return f.Close()
	})
}
