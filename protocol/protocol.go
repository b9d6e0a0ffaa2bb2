// Package protocol implements the asynchronous, deferred-execution query
// protocol against the analytics service: a statement is submitted for
// deferred execution, the server answers with an execution handle, and the
// result rows are streamed back through a bounded hand-off buffer instead of
// being materialized in memory.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/analytics-sql/goanalytics/pool"
)

const (
	queryServicePath   = "/query/service"
	queryResultPath    = "/query/service/result"
	activeRequestsPath = "/analytics/admin/active_requests"
	pingPath           = "/admin/ping"

	clientType     = "jdbc"
	modeDeferred   = "deferred"
	planFormat     = "STRING"
	losslessAccept = "application/json; charset=UTF-8; lossless-adm=true"

	// cancelContextParam is the query parameter naming the statement to
	// cancel. The admin endpoint spells it with underscores, unlike the
	// hyphenated client-context-id field of the submit body.
	cancelContextParam = "client_context_id"

	// ProductName prefixes the connect banner, mirroring what the server
	// reports back in its own version string.
	ProductName = "goanalytics"
)

// effectivelyUnbounded stands in for "no timeout configured". The external
// convention is that zero means infinite, but the transport expects some
// bound to be passed, so zero is mapped to the maximum representable
// duration instead.
const effectivelyUnbounded = time.Duration(math.MaxInt64)

// Protocol drives the deferred-execution query protocol over one pooled
// handle. Each logical connection owns one Protocol; Close releases the
// underlying handle.
type Protocol struct {
	handle          *pool.Handle
	scanConsistency string
	scanWait        string
	maxWarnings     int
}

// Options tweaking a single statement submission.
type SubmitOptions struct {
	CompileOnly    bool
	ReadOnly       bool
	SQLCompatMode  bool
	TimeoutSeconds int
	Dataverse      string
	// ExecutionID is the client-side execution identifier (a UUID string);
	// it names the statement for cancellation.
	ExecutionID string
}

// QueryError is a server-reported statement error.
type QueryError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// DeferredExecution is the server's answer to a submission: the opaque
// execution-handle URI to fetch results from, plus the compiled signature
// and any statement errors. The handle is consumed exactly once, by Fetch
// or not at all (compile-only submissions return none).
type DeferredExecution struct {
	Handle    string          `json:"handle"`
	Status    string          `json:"status"`
	Signature json.RawMessage `json:"signature"`
	Errors    []QueryError    `json:"errors"`
}

// New builds a Protocol over the given handle. The scan consistency and
// scan wait settings are parsed from the coordinate's properties once, up
// front, so malformed values fail here rather than on first submission.
func New(handle *pool.Handle) (*Protocol, error) {
	props := handle.Coordinate().Properties()

	p := &Protocol{handle: handle}

	if sw := props.Get(pool.PropScanWait); sw != "" {
		d, err := time.ParseDuration(sw)
		if err != nil {
			return nil, fmt.Errorf("provided scanWait value %q is invalid: %w", sw, err)
		}
		if d > 0 {
			p.scanWait = sw
		}
	}

	switch sc := props.Get(pool.PropScanConsistency); sc {
	case "":
	case "requestPlus":
		p.scanConsistency = "request_plus"
	case "notBounded":
		p.scanConsistency = "not_bounded"
	default:
		return nil, fmt.Errorf("provided scanConsistency value %q is invalid", sc)
	}

	return p, nil
}

// Connect reports the product banner including the cluster version.
func (p *Protocol) Connect(ctx context.Context) (string, error) {
	version, err := p.handle.ClusterVersion(ctx)
	if err != nil {
		return "", err
	}
	return ProductName + "/" + version, nil
}

// Close releases the protocol's pooled handle.
func (p *Protocol) Close() error {
	return p.handle.Close()
}

// SetMaxWarnings bounds the number of warnings the server is asked to
// report per statement.
func (p *Protocol) SetMaxWarnings(n int) {
	p.maxWarnings = n
}

type submitRequest struct {
	ClientType      string          `json:"client-type"`
	Mode            string          `json:"mode"`
	Statement       string          `json:"statement"`
	Signature       bool            `json:"signature"`
	PlanFormat      string          `json:"plan-format"`
	MaxWarnings     int             `json:"max-warnings"`
	CompileOnly     bool            `json:"compile-only,omitempty"`
	ReadOnly        bool            `json:"read-only,omitempty"`
	SQLCompatMode   bool            `json:"sql-compat-mode,omitempty"`
	Timeout         string          `json:"timeout,omitempty"`
	Dataverse       string          `json:"dataverse,omitempty"`
	ClientContextID string          `json:"client-context-id,omitempty"`
	ScanWait        string          `json:"scan_wait,omitempty"`
	ScanConsistency string          `json:"scan_consistency,omitempty"`
	Args            json.RawMessage `json:"args,omitempty"`
}

// Submit sends a statement for deferred execution and returns the server's
// execution handle. Statement errors reported by the server are carried on
// the returned DeferredExecution rather than failing the call, matching how
// the adapter layer above distinguishes compile problems from transport
// ones.
func (p *Protocol) Submit(ctx context.Context, statement string, args []any, opts SubmitOptions) (*DeferredExecution, error) {
	req := submitRequest{
		ClientType:      clientType,
		Mode:            modeDeferred,
		Statement:       statement,
		Signature:       true,
		PlanFormat:      planFormat,
		MaxWarnings:     p.maxWarnings,
		CompileOnly:     opts.CompileOnly,
		ReadOnly:        opts.ReadOnly,
		SQLCompatMode:   opts.SQLCompatMode,
		Dataverse:       opts.Dataverse,
		ClientContextID: opts.ExecutionID,
		ScanWait:        p.scanWait,
		ScanConsistency: p.scanConsistency,
	}
	if opts.TimeoutSeconds > 0 {
		req.Timeout = fmt.Sprintf("%ds", opts.TimeoutSeconds)
	}
	if len(args) > 0 {
		encoded, err := json.Marshal(args)
		if err != nil {
			submitCounter.WithLabelValues("encode_error").Inc()
			return nil, &ProtocolError{Kind: KindRequestEncoding, Err: err}
		}
		req.Args = encoded
	}

	body, err := json.Marshal(req)
	if err != nil {
		submitCounter.WithLabelValues("encode_error").Inc()
		return nil, &ProtocolError{Kind: KindRequestEncoding, Err: err}
	}

	action := "execute"
	if opts.CompileOnly {
		action = "compile"
	}
	slog.Debug("Submitting statement.", "action", action, "statement", statement,
		"execution_id", opts.ExecutionID)

	headers := map[string]string{"Accept": losslessAccept}
	resp, err := p.handle.Execute(ctx, http.MethodPost, queryServicePath, headers, body, resolveTimeout(opts))
	if err != nil {
		submitCounter.WithLabelValues("transport_error").Inc()
		return nil, &ProtocolError{Kind: KindTransportFailure, Msg: "statement submission failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		submitCounter.WithLabelValues("http_error").Inc()
		return nil, &ProtocolError{Kind: KindTransportFailure,
			Msg: fmt.Sprintf("statement submission returned status %d: %s", resp.StatusCode, snippet(resp.Body))}
	}

	var exec DeferredExecution
	if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
		submitCounter.WithLabelValues("decode_error").Inc()
		return nil, &ProtocolError{Kind: KindResponseDecoding, Msg: "could not decode submission response", Err: err}
	}

	submitCounter.WithLabelValues("ok").Inc()
	return &exec, nil
}

// Fetch resolves the execution handle to the result endpoint and returns a
// streaming reader over the rows, framed as a JSON array. A background
// worker drains the transport's row source into the stream's bounded
// buffer; the worker closes the stream exactly once whether the drain
// completed or failed, so the reader observes either full data followed by
// EOF or a read error after any bytes already delivered.
func (p *Protocol) Fetch(ctx context.Context, exec *DeferredExecution, opts SubmitOptions) (io.ReadCloser, error) {
	idx := strings.LastIndex(exec.Handle, "/")
	if idx < 0 {
		return nil, &ProtocolError{Kind: KindResponseDecoding,
			Msg: fmt.Sprintf("could not extract deferred execution id from handle %q", exec.Handle)}
	}
	suffix := exec.Handle[idx:]

	resp, err := p.handle.Execute(ctx, http.MethodGet, queryResultPath+suffix, nil, nil, resolveTimeout(opts))
	if err != nil {
		return nil, &ProtocolError{Kind: KindTransportFailure, Msg: "result fetch failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, &ProtocolError{Kind: KindTransportFailure,
			Msg: fmt.Sprintf("result fetch returned status %d: %s", resp.StatusCode, snippet(resp.Body))}
	}

	stream := newRowStream()
	go func() {
		defer resp.Body.Close()
		stream.end(drainRows(resp.Body, stream))
	}()
	return stream, nil
}

// drainRows walks the result payload to its "results" array and copies each
// row's raw bytes into the stream in arrival order, wrapped as a JSON array.
func drainRows(body io.Reader, stream *RowStream) error {
	dec := json.NewDecoder(body)

	tok, err := dec.Token()
	if err != nil {
		return &ProtocolError{Kind: KindResponseDecoding, Msg: "could not read result payload", Err: err}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return &ProtocolError{Kind: KindResponseDecoding,
			Msg: fmt.Sprintf("unexpected result payload start %v", tok)}
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return &ProtocolError{Kind: KindResponseDecoding, Msg: "could not read result payload", Err: err}
		}
		if delim, ok := tok.(json.Delim); ok && delim == '}' {
			return &ProtocolError{Kind: KindResponseDecoding, Msg: "result payload contains no results array"}
		}

		field, ok := tok.(string)
		if !ok {
			return &ProtocolError{Kind: KindResponseDecoding,
				Msg: fmt.Sprintf("unexpected token %v in result payload", tok)}
		}

		if field != "results" {
			var discard json.RawMessage
			if err := dec.Decode(&discard); err != nil {
				return &ProtocolError{Kind: KindResponseDecoding, Msg: "could not read result payload", Err: err}
			}
			continue
		}

		if tok, err = dec.Token(); err != nil {
			return &ProtocolError{Kind: KindResponseDecoding, Msg: "could not read results array", Err: err}
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return &ProtocolError{Kind: KindResponseDecoding, Msg: "results field is not an array"}
		}

		first := true
		for dec.More() {
			var row json.RawMessage
			if err := dec.Decode(&row); err != nil {
				return &ProtocolError{Kind: KindResponseDecoding, Msg: "could not decode result row", Err: err}
			}

			chunk := make([]byte, 0, len(row)+1)
			if first {
				chunk = append(chunk, '[')
				first = false
			} else {
				chunk = append(chunk, ',')
			}
			chunk = append(chunk, row...)
			if err := stream.write(chunk); err != nil {
				return err
			}
			rowsStreamedCounter.Inc()
		}

		opener := []byte("[")
		if !first {
			opener = nil
		}
		return stream.write(append(opener, ']'))
	}
}

// Cancel asks the service to stop the statement identified by executionID.
// Best effort: a success response does not guarantee the statement stops
// executing server-side.
func (p *Protocol) Cancel(ctx context.Context, executionID string) error {
	path := activeRequestsPath + "?" + cancelContextParam + "=" + url.QueryEscape(executionID)
	resp, err := p.handle.Execute(ctx, http.MethodDelete, path, nil, nil, 0)
	if err != nil {
		return &ProtocolError{Kind: KindTransportFailure, Msg: "cancellation request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProtocolError{Kind: KindCancellationFailed,
			Msg: fmt.Sprintf("failed to cancel statement %q, status %d", executionID, resp.StatusCode)}
	}
	return nil
}

// Ping probes service liveness. Any failure reports false rather than an
// error; the probe informs health checks, not correctness.
func (p *Protocol) Ping(ctx context.Context, timeoutSeconds int) bool {
	resp, err := p.handle.Execute(ctx, http.MethodGet, pingPath, nil, nil,
		time.Duration(timeoutSeconds)*time.Second)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// resolveTimeout maps submit options to a transport timeout. A positive
// timeout is used verbatim; compile-only submissions are always bounded by
// the (possibly zero) timeout; otherwise zero means no timeout was
// configured and the request runs effectively unbounded.
func resolveTimeout(opts SubmitOptions) time.Duration {
	if opts.TimeoutSeconds > 0 || opts.CompileOnly {
		return time.Duration(opts.TimeoutSeconds) * time.Second
	}
	return effectivelyUnbounded
}

func snippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(data))
}
