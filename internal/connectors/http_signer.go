package connectors

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// streamEvent — строка NDJSON-потока подписанта.
type streamEvent struct {
	Event       string         `json:"event"`
	OperationID string         `json:"operation_id,omitempty"`
	TxHash      string         `json:"tx_hash,omitempty"`
	Stage       SignerStage    `json:"stage,omitempty"`
	Error       string         `json:"error,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	RuleID      string         `json:"rule_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

const (
	eventAccepted     = "accepted"
	eventEnd          = "end"
	eventProposeToEnd = "propose_to_end"
	eventStageToEnd   = "stage_to_end"
)

type HTTPSignerConfig struct {
	BaseURL string
	APIKey  string
	// StreamTimeout: сколько максимум держать поток событий одной отправки.
	StreamTimeout time.Duration
}

// HTTPSigner — подписант по HTTP/JSON.
// POST /v1/transactions отвечает потоком NDJSON: accepted, стадии, терминальное событие.
type HTTPSigner struct {
	cfg    HTTPSignerConfig
	client *http.Client
	logger *zap.Logger
}

func NewHTTPSigner(cfg HTTPSignerConfig, client *http.Client, logger *zap.Logger) *HTTPSigner {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 10 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPSigner{cfg: cfg, client: client, logger: logger.Named("http-signer")}
}

func (s *HTTPSigner) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	return req, nil
}

// checkStatus переводит HTTP-статус в ошибки коннектора.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	cause := fmt.Errorf("%s", bytes.TrimSpace(msg))

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Second
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return &ThrottleError{RetryAfter: retryAfter, Cause: cause}
	}
	return &TransportError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Temporary:  resp.StatusCode >= 500,
		Err:        cause,
	}
}

func (s *HTTPSigner) ListAccounts(ctx context.Context) ([]Account, error) {
	req, err := s.newRequest(ctx, http.MethodGet, "/v1/accounts", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "list accounts", Temporary: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus("list accounts", resp); err != nil {
		return nil, err
	}
	var out struct {
		Accounts []Account `json:"accounts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Op: "list accounts", Err: fmt.Errorf("decode: %w", err)}
	}
	return out.Accounts, nil
}

type httpOperation struct {
	id     string
	signer *HTTPSigner
}

func (o *httpOperation) ID() string { return o.id }

// Cancel отправляет просьбу об отмене в фоне; поток событий продолжает читаться.
func (o *httpOperation) Cancel() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := o.signer.newRequest(ctx, http.MethodPost, "/v1/transactions/"+o.id+"/cancel", nil)
		if err != nil {
			return
		}
		resp, err := o.signer.client.Do(req)
		if err != nil {
			o.signer.logger.Warn("cancel request failed", zap.String("operation_id", o.id), zap.Error(err))
			return
		}
		_ = resp.Body.Close()
	}()
}

// Submit ждёт строку accepted, дальше события читаются в отдельной горутине.
// Поток живёт не дольше StreamTimeout и не зависит от ctx вызова после приёма.
func (s *HTTPSigner) Submit(ctx context.Context, sr SubmitRequest, cb Callbacks) (Operation, error) {
	streamCtx, cancelStream := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StreamTimeout)

	req, err := s.newRequest(streamCtx, http.MethodPost, "/v1/transactions", sr)
	if err != nil {
		cancelStream()
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")

	// До приёма отмена ctx вызывающего прерывает запрос
	stop := context.AfterFunc(ctx, cancelStream)

	resp, err := s.client.Do(req)
	if err != nil {
		stop()
		cancelStream()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: "submit", Err: err}
	}
	if err := checkStatus("submit", resp); err != nil {
		stop()
		cancelStream()
		resp.Body.Close()
		return nil, err
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var first streamEvent
	if err := readEvent(sc, &first); err != nil || first.Event != eventAccepted || first.OperationID == "" {
		stop()
		cancelStream()
		resp.Body.Close()
		if err == nil {
			err = fmt.Errorf("expected accepted event, got %q", first.Event)
		}
		return nil, &TransportError{Op: "submit", Err: err}
	}
	// Отправка принята: дальше отмена вызывающего на поток не влияет
	if !stop() && ctx.Err() != nil {
		s.logger.Warn("caller cancelled right after acceptance", zap.String("operation_id", first.OperationID))
	}

	op := &httpOperation{id: first.OperationID, signer: s}
	go func() {
		defer cancelStream()
		defer resp.Body.Close()
		s.pump(sc, op.id, cb)
	}()
	return op, nil
}

// pump разбирает поток до терминального события.
func (s *HTTPSigner) pump(sc *bufio.Scanner, opID string, cb Callbacks) {
	last := StagePropose
	for {
		var ev streamEvent
		if err := readEvent(sc, &ev); err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			s.logger.Warn("signer stream ended without terminal event",
				zap.String("operation_id", opID), zap.Error(err))
			call2(cb.OnStageToEnd, last, &TransportError{Op: "stream", Temporary: true, Err: err})
			return
		}

		switch ev.Event {
		case string(StagePropose):
			last = StagePropose
			call0(cb.OnPropose)
		case string(StageSign):
			last = StageSign
			call0(cb.OnSign)
		case string(StageCombine):
			last = StageCombine
			call0(cb.OnCombine)
		case string(StageBroadcast):
			last = StageBroadcast
			call0(cb.OnBroadcast)
		case eventEnd:
			call1(cb.OnEnd, Receipt{TxHash: ev.TxHash})
			return
		case eventProposeToEnd:
			call1(cb.OnProposeToEnd, PolicyDenial{Reason: ev.Reason, RuleID: ev.RuleID, Details: ev.Details})
			return
		case eventStageToEnd:
			stage := ev.Stage
			if stage == "" {
				stage = last
			}
			call2(cb.OnStageToEnd, stage, errors.New(ev.Error))
			return
		default:
			s.logger.Debug("unknown signer event", zap.String("event", ev.Event), zap.String("operation_id", opID))
		}
	}
}

// readEvent читает следующую непустую строку потока.
func readEvent(sc *bufio.Scanner, ev *streamEvent) error {
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		return json.Unmarshal(line, ev)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}
