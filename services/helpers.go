package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// postJSON posts a JSON payload and optionally decodes the JSON response
// into out. Non-200 responses are returned as errors with the body text.
func (b *baseService) postJSON(url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := b.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, readBodyForError(resp))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// postJSONRetry retries a post a few times with a short pause. Peers advance
// phases on their own clocks, so a request landing just before a boundary
// can be rejected and succeed moments later.
func (b *baseService) postJSONRetry(url string, payload any, out any, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = b.postJSON(url, payload, out); err == nil {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return err
}

// getJSON fetches a URL and decodes the JSON response into out.
func (b *baseService) getJSON(url string, out any) error {
	resp, err := b.httpClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, readBodyForError(resp))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func readBodyForError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(body)
}
