package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Result mirrors the reset collaborators' outcome shape.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type resetRequest struct {
	UserID string `json:"userId"`
}

// VectorClient asks the vector-store backend to drop a user's recall
// context. When no endpoint is configured it is a successful no-op.
type VectorClient struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewVectorClient(log zerolog.Logger) *VectorClient {
	return &VectorClient{
		baseURL: strings.TrimSpace(os.Getenv("VECTOR_RESET_URL")),
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "vector").Logger(),
	}
}

func (v *VectorClient) ResetContext(ctx context.Context, userID string) Result {
	if v.baseURL == "" {
		return Result{Success: true}
	}
	if err := postJSON(ctx, v.client, v.baseURL, resetRequest{UserID: userID}); err != nil {
		v.log.Warn().Err(err).Str("userId", userID).Msg("vector context reset failed")
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true}
}

// ContextStoreClient clears the auxiliary conversation-context store.
// Failures are the caller's to log; they are never fatal.
type ContextStoreClient struct {
	baseURL string
	client  *http.Client
}

func NewContextStoreClient() *ContextStoreClient {
	return &ContextStoreClient{
		baseURL: strings.TrimSpace(os.Getenv("CONTEXT_STORE_URL")),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ContextStoreClient) Clear(ctx context.Context, userID string) error {
	if c.baseURL == "" {
		return nil
	}
	return postJSON(ctx, c.client, c.baseURL, resetRequest{UserID: userID})
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		preview := string(bodyBytes)
		if len(preview) > 500 {
			preview = preview[:500] + "..."
		}
		return fmt.Errorf("reset endpoint %d from %s: %s", resp.StatusCode, url, preview)
	}
	return nil
}
