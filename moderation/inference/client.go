// Client for an OpenAI-compatible inference API (eg, Groq), providing the three external capabilities the moderation pipeline depends on: text judgment, image captioning, and audio transcription.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/convoease/convoease/moderation/judge"
	"github.com/convoease/convoease/moderation/normalize"
	"github.com/convoease/convoease/util"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"
)

var (
	DefaultHost        = "https://api.groq.com/openai/v1"
	DefaultTextModel   = "llama-3.1-70b-versatile"
	DefaultVisionModel = "llama-3.2-11b-vision-preview"
	DefaultAudioModel  = "whisper-large-v3"
)

var ErrNoAPIKey = errors.New("inference API key not configured")

// Implements judge.Judge, normalize.Captioner and normalize.Transcriber
type Client struct {
	Client      *http.Client
	Host        string
	APIKey      string
	TextModel   string
	VisionModel string
	AudioModel  string
	// Optional client-side rate limit, shared by all three capabilities
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

var _ judge.Judge = (*Client)(nil)
var _ normalize.Captioner = (*Client)(nil)
var _ normalize.Transcriber = (*Client)(nil)

// ratePerSec of zero (or less) disables client-side rate limiting
func NewClient(host, apiKey string, ratePerSec float64) *Client {
	if host == "" {
		host = DefaultHost
	}
	c := &Client{
		Client:      util.RobustHTTPClient(),
		Host:        strings.TrimSuffix(host, "/"),
		APIKey:      apiKey,
		TextModel:   DefaultTextModel,
		VisionModel: DefaultVisionModel,
		AudioModel:  DefaultAudioModel,
		Logger:      slog.Default().With("component", "inference"),
	}
	if ratePerSec > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1+int(ratePerSec))
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []chatMessage       `json:"messages"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Requests a JSON-object completion for the judgment. Returns the raw message content, unparsed.
func (c *Client) Judge(ctx context.Context, req judge.Request) (string, error) {
	body := chatRequest{
		Model: c.TextModel,
		Messages: []chatMessage{
			{Role: "system", Content: req.Instruction},
			{Role: "user", Content: req.Prompt()},
		},
		Temperature:    0.1,
		MaxTokens:      200,
		ResponseFormat: &chatResponseFormat{Type: "json_object"},
	}
	return c.chat(ctx, "judge", body)
}

func (c *Client) Caption(ctx context.Context, image []byte, format, instruction string) (string, error) {
	dataURI := fmt.Sprintf("data:%s;base64,%s", imageMimeType(format), base64.StdEncoding.EncodeToString(image))
	body := chatRequest{
		Model: c.VisionModel,
		Messages: []chatMessage{
			{Role: "user", Content: []chatPart{
				{Type: "text", Text: instruction},
				{Type: "image_url", ImageURL: &chatImageURL{URL: dataURI}},
			}},
		},
		Temperature: 0.1,
		MaxTokens:   150,
	}
	return c.chat(ctx, "caption", body)
}

func (c *Client) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	// generic HTTP form file upload, then parse the response JSON
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "audio."+strings.ToLower(format))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.WriteField("model", c.AudioModel); err != nil {
		return "", err
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	respBytes, err := c.do(ctx, "transcribe", "/audio/transcriptions", writer.FormDataContentType(), body.Bytes())
	if err != nil {
		return "", err
	}
	var respObj transcriptionResponse
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return "", fmt.Errorf("failed to parse transcription resp JSON: %w", err)
	}
	return respObj.Text, nil
}

func (c *Client) chat(ctx context.Context, capability string, body chatRequest) (string, error) {
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	respBytes, err := c.do(ctx, capability, "/chat/completions", "application/json", reqBytes)
	if err != nil {
		return "", err
	}
	var respObj chatResponse
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return "", fmt.Errorf("failed to parse %s resp JSON: %w", capability, err)
	}
	if len(respObj.Choices) == 0 {
		return "", fmt.Errorf("%s response had no choices", capability)
	}
	return respObj.Choices[0].Message.Content, nil
}

func (c *Client) do(ctx context.Context, capability, path, contentType string, body []byte) ([]byte, error) {
	if c.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s rate limit wait: %w", capability, err)
		}
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("sending inference request", "capability", capability, "path", path, "size", len(body))

	req, err := http.NewRequestWithContext(ctx, "POST", c.Host+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "convoease/"+versioninfo.Short())

	start := time.Now()
	defer func() {
		inferenceAPIDuration.WithLabelValues(capability).Observe(time.Since(start).Seconds())
	}()

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		inferenceAPICount.WithLabelValues(capability, "error").Inc()
		return nil, fmt.Errorf("%s request failed: %w", capability, err)
	}
	defer res.Body.Close()

	inferenceAPICount.WithLabelValues(capability, fmt.Sprint(res.StatusCode)).Inc()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s request failed statusCode=%d", capability, res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s resp body: %w", capability, err)
	}
	return respBytes, nil
}

func imageMimeType(format string) string {
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
