package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type cacheKeyInput struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	Temperature *float64  `json:"temperature"`
	MaxTokens   *int      `json:"max_tokens"`
}

// CacheKey derives the response cache key for a request. The request is encoded, decoded
// into generic maps and encoded again so that object keys are emitted in sorted order;
// logically identical requests hash identically regardless of how the client ordered them.
func CacheKey(messages []Message, model string, temperature *float64, maxTokens *int) (string, error) {
	raw, err := json.Marshal(cacheKeyInput{
		Messages:    messages,
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key input: %w", err)
	}

	canonical, err := canonicalJSON(raw)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to canonicalize cache key input: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize cache key input: %w", err)
	}
	return out, nil
}
