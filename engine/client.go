package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/genmedia/comfy-worker/core"
)

// DefaultEngineAddr is where the engine listens inside the worker container.
const DefaultEngineAddr = "127.0.0.1:8188"

// HTTPClient speaks the engine's local request API.
type HTTPClient struct {
	baseURL string
	httpc   *http.Client
}

// Compile-time assertion to ensure HTTPClient implements GenerationEngine.
var _ core.GenerationEngine = (*HTTPClient)(nil)

func NewHTTPClient(addr string, timeout time.Duration) *HTTPClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(base, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine health returned status %d", resp.StatusCode)
	}
	return nil
}

type submitRequest struct {
	Prompt json.RawMessage `json:"prompt"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

func (c *HTTPClient) SubmitPrompt(ctx context.Context, workflow []byte) (string, error) {
	data, err := json.Marshal(submitRequest{Prompt: workflow})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		// The engine validates the request graph on submission. Its own error
		// body is preserved verbatim for diagnostics.
		return "", &core.EngineExecutionError{Detail: string(body)}
	}
	var sr submitResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("could not parse submit response: %w", err)
	}
	if sr.PromptID == "" {
		return "", fmt.Errorf("submit response missing prompt id")
	}
	return sr.PromptID, nil
}

type historyEntry struct {
	Status struct {
		StatusStr string            `json:"status_str"`
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
	Outputs json.RawMessage `json:"outputs"`
}

type nodeFiles struct {
	Images []historyFile `json:"images"`
	Gifs   []historyFile `json:"gifs"`
	Audio  []historyFile `json:"audio"`
}

type historyFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	FullPath  string `json:"fullpath"`
}

func (c *HTTPClient) History(ctx context.Context, requestID string) (*core.HistoryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+requestID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine history returned status %d: %s", resp.StatusCode, body)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("could not parse history response: %w", err)
	}
	raw, ok := entries[requestID]
	if !ok {
		// Nothing recorded yet, still queued or running.
		return nil, nil
	}
	var entry historyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("could not parse history entry: %w", err)
	}

	if entry.Status.StatusStr == "error" {
		detail := "execution error"
		if len(entry.Status.Messages) > 0 {
			msgs := make([]string, len(entry.Status.Messages))
			for i, m := range entry.Status.Messages {
				msgs[i] = string(m)
			}
			detail = strings.Join(msgs, "; ")
		}
		return &core.HistoryResult{Completed: true, ErrDetail: detail}, nil
	}

	outputs, err := parseOutputs(entry.Outputs)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		// The entry exists but outputs have not landed yet.
		return &core.HistoryResult{Completed: false}, nil
	}
	return &core.HistoryResult{Completed: true, Outputs: outputs}, nil
}

// parseOutputs walks the outputs object with a token decoder so artifacts are
// collected in the order the engine reports them. A plain map decode would
// lose that order.
func parseOutputs(raw json.RawMessage) ([]core.NodeOutput, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("could not parse outputs: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("unexpected outputs shape, want object got %v", tok)
	}

	var outputs []core.NodeOutput
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("could not parse outputs: %w", err)
		}
		nodeID, _ := keyTok.(string)
		var nf nodeFiles
		if err := dec.Decode(&nf); err != nil {
			return nil, fmt.Errorf("could not parse outputs for node %s: %w", nodeID, err)
		}
		var files []core.OutputFile
		for _, f := range nf.Images {
			files = append(files, core.OutputFile{Filename: f.Filename, Subfolder: f.Subfolder, Kind: core.ArtifactImage, FullPath: f.FullPath})
		}
		for _, f := range nf.Gifs {
			files = append(files, core.OutputFile{Filename: f.Filename, Subfolder: f.Subfolder, Kind: core.ArtifactVideo, FullPath: f.FullPath})
		}
		for _, f := range nf.Audio {
			files = append(files, core.OutputFile{Filename: f.Filename, Subfolder: f.Subfolder, Kind: core.ArtifactAudio, FullPath: f.FullPath})
		}
		if len(files) > 0 {
			outputs = append(outputs, core.NodeOutput{NodeID: nodeID, Files: files})
		}
	}
	return outputs, nil
}

func (c *HTTPClient) UploadAsset(ctx context.Context, name string, data []byte) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("image", name)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := w.WriteField("overwrite", "true"); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload of %s failed with status %d: %s", name, resp.StatusCode, respBody)
	}
	return nil
}
