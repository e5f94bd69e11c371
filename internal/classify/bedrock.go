package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/ignite/ices-pipeline/internal/pkg/logger"
)

// BedrockClassifier performs zero-shot classification by prompting an
// Anthropic model on AWS Bedrock. All inference stays within AWS.
type BedrockClassifier struct {
	client  *bedrockruntime.Client
	modelID string
	region  string
}

// bedrockMessage represents a message in Bedrock format
type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

// bedrockContentBlock represents content in a message
type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// bedrockRequest is the request body for InvokeModel
type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature"`
}

// bedrockResponse is the response from Bedrock
type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

const classifierSystemPrompt = `You are a strict text classifier. You will be given a text and a list of candidate labels. Respond with ONLY a JSON object mapping each candidate label, verbatim, to a probability between 0 and 1. No prose, no code fences.`

// NewBedrock creates a Bedrock-backed classifier. Empty region and
// modelID fall back to AWS_REGION / us-east-1 and Claude 3 Sonnet.
func NewBedrock(ctx context.Context, region, modelID string) (*BedrockClassifier, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	// Load AWS config using default credential chain
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if modelID == "" {
		modelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	bc := &BedrockClassifier{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
		region:  region,
	}

	logger.Info("classifier initialized", "model", modelID, "region", region)
	return bc, nil
}

// Classify scores the text against the candidate labels.
func (b *BedrockClassifier) Classify(ctx context.Context, text string, labels []string, multiLabel bool) (*Result, error) {
	if len(labels) == 0 {
		return &Result{}, nil
	}

	var prompt strings.Builder
	prompt.WriteString("Text:\n")
	prompt.WriteString(text)
	prompt.WriteString("\n\nCandidate labels:\n")
	for i, label := range labels {
		fmt.Fprintf(&prompt, "%d. %s\n", i+1, label)
	}
	if multiLabel {
		prompt.WriteString("\nScore each label independently; labels do not compete.")
	} else {
		prompt.WriteString("\nExactly one label applies; the probabilities must sum to 1.")
	}

	request := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1024,
		System:           classifierSystemPrompt,
		Messages: []bedrockMessage{
			{
				Role: "user",
				Content: []bedrockContentBlock{
					{Type: "text", Text: prompt.String()},
				},
			},
		},
		Temperature: 0,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, fmt.Errorf("Bedrock API error: %w", err)
	}

	var response bedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var responseText string
	for _, content := range response.Content {
		if content.Type == "text" {
			responseText += content.Text
		}
	}

	return parseScores(responseText, labels)
}

// parseScores extracts the label→probability object from the model
// output and returns labels sorted by descending score. Labels the
// model omits score 0; scores clamp to [0, 1].
func parseScores(raw string, labels []string) (*Result, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("classifier returned no JSON object: %q", truncate(raw, 120))
	}

	var scored map[string]float64
	if err := json.Unmarshal([]byte(raw[start:end+1]), &scored); err != nil {
		return nil, fmt.Errorf("failed to parse label scores: %w", err)
	}

	result := &Result{
		Labels: make([]string, len(labels)),
		Scores: make([]float64, len(labels)),
	}
	copy(result.Labels, labels)
	for i, label := range labels {
		score := scored[label]
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		result.Scores[i] = score
	}

	// Stable sort keeps the caller's label order for ties
	idx := make([]int, len(labels))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return result.Scores[idx[a]] > result.Scores[idx[b]]
	})

	sorted := &Result{
		Labels: make([]string, len(labels)),
		Scores: make([]float64, len(labels)),
	}
	for out, in := range idx {
		sorted.Labels[out] = result.Labels[in]
		sorted.Scores[out] = result.Scores[in]
	}
	return sorted, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ModelID returns the Bedrock model being used.
func (b *BedrockClassifier) ModelID() string { return b.modelID }
