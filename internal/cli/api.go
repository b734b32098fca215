package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

type apiError struct {
	Error string `json:"error"`
}

func postJSON(path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	resp, err := httpClient.Post(serverURL+path, "application/json", &buf)
	if err != nil {
		return 0, fmt.Errorf("reaching server: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(resp, out)
}

func getJSON(path string, out any) (int, error) {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return 0, fmt.Errorf("reaching server: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(resp, out)
}

func decodeBody(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// liveURL converts the configured base URL into the websocket endpoint for a
// session.
func liveURL(sessionID string) string {
	ws := serverURL
	if strings.HasPrefix(ws, "https://") {
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	} else if strings.HasPrefix(ws, "http://") {
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/sessions/" + sessionID + "/live"
}
