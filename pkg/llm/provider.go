package llm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/failsafe-go/failsafe-go"

	"vibeslop/pkg/clients"
)

// Provider streams a completion for a conversation.
type Provider interface {
	Complete(ctx context.Context, messages []Message) (Stream, error)
}

type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

type Chunk struct {
	Content string
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompleteText drains a completion into a single string.
func CompleteText(ctx context.Context, provider Provider, messages []Message) (string, error) {
	stream, err := provider.Complete(ctx, messages)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read completion: %w", err)
		}
		sb.WriteString(chunk.Content)
	}
	return sb.String(), nil
}

// maxRetries bounds retries on 429/5xx before a request is given up.
const maxRetries = 2

func newExecutor() failsafe.Executor[*http.Response] {
	cfg := clients.DefaultHTTPExecutorConfig()
	cfg.MaxRetries = maxRetries
	return clients.NewHTTPExecutor(cfg)
}

// doWithRetry sends the request built by build, retrying on transport
// errors, 429 and 5xx responses. The last response is returned as-is when
// retries run out so the caller can report its status.
func doWithRetry(ctx context.Context, client *http.Client, executor failsafe.Executor[*http.Response], build func() (*http.Request, error)) (*http.Response, error) {
	return clients.ExecuteHTTP(ctx, executor, func() (*http.Response, error) {
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err == nil && clients.DefaultShouldRetry(resp, nil) {
			// the body of a response that will be retried is never read
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			resp.Body = io.NopCloser(strings.NewReader(""))
		}
		return resp, err
	})
}

func checkStatus(provider string, resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: unexpected status %s: %s", provider, resp.Status, strings.TrimSpace(string(body)))
}

type sseStream struct {
	resp   *http.Response
	reader *bufio.Reader
	decode func([]byte) (Chunk, error)
}

func newSSEStream(resp *http.Response, decode func([]byte) (Chunk, error)) Stream {
	return &sseStream{
		resp:   resp,
		reader: bufio.NewReader(resp.Body),
		decode: decode,
	}
}

func (s *sseStream) Close() error {
	return s.resp.Body.Close()
}

func (s *sseStream) Recv() (Chunk, error) {
	for {
		data, err := s.readEvent()
		if err != nil {
			return Chunk{}, err
		}
		payload := strings.TrimSpace(string(data))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return Chunk{}, io.EOF
		}
		chunk, err := s.decode(data)
		if err != nil {
			return Chunk{}, err
		}
		if chunk.Content == "" {
			continue
		}
		return chunk, nil
	}
}

// readEvent returns the joined data: lines of the next SSE event.
func (s *sseStream) readEvent() ([]byte, error) {
	var dataLines []string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		if line == "" || errors.Is(err, io.EOF) {
			if len(dataLines) > 0 {
				return []byte(strings.Join(dataLines, "\n")), nil
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
		}
	}
}
