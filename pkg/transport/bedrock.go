package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream/eventstreamapi"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const (
	bedrockSigningName = "bedrock"

	// streamingPayloadHash marks a request body made of signed event
	// stream messages.
	streamingPayloadHash = "STREAMING-AWS4-HMAC-SHA256-EVENTS"

	eventStreamContentType = "application/vnd.amazon.eventstream"
	chunkEventType         = "chunk"
)

// BedrockError is an exception or error message sent by Bedrock on the
// response stream. The stream ends after one.
type BedrockError struct {
	Code    string
	Message string
}

func (e *BedrockError) Error() string {
	if e.Message == "" {
		return "bedrock: " + e.Code
	}
	return fmt.Sprintf("bedrock: %s: %s", e.Code, e.Message)
}

// BedrockOpener opens invoke-with-bidirectional-stream sessions. The
// request is signed with SigV4 and both directions carry AWS event stream
// messages over a single HTTP/2 exchange.
type BedrockOpener struct {
	endpoint string
	region   string
	modelID  string
	creds    aws.CredentialsProvider
	client   *http.Client
	signer   *v4.Signer
	logger   *slog.Logger
}

// NewBedrockOpener loads AWS configuration for region, resolves the
// bedrock-runtime endpoint and returns an opener for modelID. Credentials
// come from the default AWS chain.
func NewBedrockOpener(ctx context.Context, region, modelID string, logger *slog.Logger) (*BedrockOpener, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	ep, err := bedrockruntime.NewDefaultEndpointResolverV2().ResolveEndpoint(ctx, bedrockruntime.EndpointParameters{
		Region: aws.String(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bedrock endpoint: %w", err)
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ForceAttemptHTTP2 = true
	return newBedrockOpener(ep.URI.String(), cfg.Region, modelID, cfg.Credentials, &http.Client{Transport: tr}, logger), nil
}

func newBedrockOpener(endpoint, region, modelID string, creds aws.CredentialsProvider, client *http.Client, logger *slog.Logger) *BedrockOpener {
	if logger == nil {
		logger = slog.Default()
	}
	return &BedrockOpener{
		endpoint: strings.TrimRight(endpoint, "/"),
		region:   region,
		modelID:  modelID,
		creds:    creds,
		client:   client,
		signer:   v4.NewSigner(),
		logger:   logger.With("component", "transport.bedrock"),
	}
}

// Open implements Opener. The response is awaited in the background so
// events can be written before Bedrock answers.
func (o *BedrockOpener) Open(ctx context.Context) (Stream, error) {
	if o.creds == nil {
		return nil, errors.New("bedrock: no credentials configured")
	}
	creds, err := o.creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("bedrock: retrieve credentials: %w", err)
	}

	u, err := url.Parse(o.endpoint)
	if err != nil {
		return nil, fmt.Errorf("bedrock: endpoint %q: %w", o.endpoint, err)
	}
	u.Path = "/model/" + o.modelID + "/invoke-with-bidirectional-stream"
	u.RawPath = "/model/" + strings.ReplaceAll(url.PathEscape(o.modelID), ":", "%3A") + "/invoke-with-bidirectional-stream"

	reqCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.String(), pr)
	if err != nil {
		cancel()
		return nil, err
	}
	req.ContentLength = -1
	req.Header.Set("Content-Type", eventStreamContentType)
	req.Header.Set("X-Amz-Content-Sha256", streamingPayloadHash)

	now := time.Now().UTC()
	if err := o.signer.SignHTTP(ctx, creds, req, streamingPayloadHash, bedrockSigningName, o.region, now); err != nil {
		cancel()
		return nil, fmt.Errorf("bedrock: sign request: %w", err)
	}
	seed, err := seedSignature(req.Header.Get("Authorization"))
	if err != nil {
		cancel()
		return nil, err
	}

	s := &BedrockStream{
		pr:      pr,
		pw:      pw,
		signer:  v4.NewStreamSigner(creds, bedrockSigningName, o.region, seed),
		encoder: eventstream.NewEncoder(),
		decoder: eventstream.NewDecoder(),
		cancel:  cancel,
		ready:   make(chan struct{}),
	}
	go s.roundTrip(o.client, req)

	o.logger.Debug("bidirectional stream requested", "model", o.modelID, "endpoint", o.endpoint)
	return s, nil
}

// seedSignature extracts the request signature that chains the first
// event signature.
func seedSignature(auth string) ([]byte, error) {
	const key = "Signature="
	i := strings.LastIndex(auth, key)
	if i < 0 {
		return nil, errors.New("bedrock: signed request has no signature")
	}
	sig, err := hex.DecodeString(strings.TrimSpace(auth[i+len(key):]))
	if err != nil {
		return nil, fmt.Errorf("bedrock: malformed request signature: %w", err)
	}
	return sig, nil
}

// BedrockStream carries event envelopes as signed chunk events. Each
// payload travels base64-encoded in {"bytes": ...}.
type BedrockStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	sendMu  sync.Mutex
	signer  *v4.StreamSigner
	encoder *eventstream.Encoder
	decoder *eventstream.Decoder

	cancel context.CancelFunc

	ready   chan struct{}
	mu      sync.Mutex
	body    io.ReadCloser
	respErr error
	closed  bool
}

type chunkPayload struct {
	Bytes []byte `json:"bytes"`
}

func (s *BedrockStream) roundTrip(client *http.Client, req *http.Request) {
	resp, err := client.Do(req)
	if err == nil && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		err = fmt.Errorf("bedrock: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err != nil:
		s.respErr = err
		s.pr.CloseWithError(err)
	case s.closed:
		resp.Body.Close()
		s.respErr = ErrClosed
	default:
		s.body = resp.Body
	}
	close(s.ready)
}

// Send implements Stream.
func (s *BedrockStream) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	body, err := json.Marshal(chunkPayload{Bytes: payload})
	if err != nil {
		return err
	}
	var inner bytes.Buffer
	err = s.encoder.Encode(&inner, eventstream.Message{
		Headers: eventstream.Headers{
			{Name: eventstreamapi.MessageTypeHeader, Value: eventstream.StringValue(eventstreamapi.EventMessageType)},
			{Name: eventstreamapi.EventTypeHeader, Value: eventstream.StringValue(chunkEventType)},
			{Name: eventstreamapi.ContentTypeHeader, Value: eventstream.StringValue("application/json")},
		},
		Payload: body,
	})
	if err != nil {
		return fmt.Errorf("bedrock: encode event: %w", err)
	}

	now := time.Now().UTC()
	headers := eventstream.Headers{
		{Name: eventstreamapi.DateHeader, Value: eventstream.TimestampValue(now)},
	}
	var encodedHeaders bytes.Buffer
	if err := eventstream.EncodeHeaders(&encodedHeaders, headers); err != nil {
		return err
	}
	sig, err := s.signer.GetSignature(ctx, encodedHeaders.Bytes(), inner.Bytes(), now)
	if err != nil {
		return fmt.Errorf("bedrock: sign event: %w", err)
	}
	headers = append(headers, eventstream.Header{
		Name:  eventstreamapi.ChunkSignatureHeader,
		Value: eventstream.BytesValue(sig),
	})

	var frame bytes.Buffer
	if err := s.encoder.Encode(&frame, eventstream.Message{Headers: headers, Payload: inner.Bytes()}); err != nil {
		return fmt.Errorf("bedrock: encode frame: %w", err)
	}
	if _, err := s.pw.Write(frame.Bytes()); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("bedrock: connection closed: %w", err)
		}
		return err
	}
	return nil
}

// Recv implements Stream. Events other than chunks are skipped.
func (s *BedrockStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.respErr != nil {
		return nil, s.respErr
	}

	for {
		msg, err := s.decoder.Decode(s.body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}

		switch headerString(msg.Headers, eventstreamapi.MessageTypeHeader) {
		case eventstreamapi.EventMessageType:
			if headerString(msg.Headers, eventstreamapi.EventTypeHeader) != chunkEventType {
				continue
			}
			var chunk chunkPayload
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
				return nil, fmt.Errorf("bedrock: malformed chunk: %w", err)
			}
			return chunk.Bytes, nil
		case eventstreamapi.ExceptionMessageType:
			var body struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(msg.Payload, &body)
			return nil, &BedrockError{
				Code:    headerString(msg.Headers, eventstreamapi.ExceptionTypeHeader),
				Message: body.Message,
			}
		case eventstreamapi.ErrorMessageType:
			return nil, &BedrockError{
				Code:    headerString(msg.Headers, eventstreamapi.ErrorCodeHeader),
				Message: headerString(msg.Headers, eventstreamapi.ErrorMessageHeader),
			}
		}
	}
}

// Close implements Stream. It ends the request body and releases the
// response.
func (s *BedrockStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	body := s.body
	s.mu.Unlock()

	err := s.pw.Close()
	s.cancel()
	if body != nil {
		body.Close()
	}
	return err
}

func headerString(h eventstream.Headers, name string) string {
	v := h.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return v.String()
}
