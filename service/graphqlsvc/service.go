// Package graphqlsvc implements service.Service against a GraphQL endpoint
// over HTTP.
//
// Each CRUD operation is a GraphQL document supplied by the caller. The
// documents are parsed when the service is built, and validated against a
// schema when one is given, so a malformed document fails at startup
// instead of on the first user edit. The result of an operation is read from
// its first top-level field (or that field's alias).
//
// Variables sent per operation:
//
//	List    {"page": int, "size": int}
//	Get     {"id": string}
//	Create  {"input": record}            temporary ids are stripped
//	Update  {"input": record, "patch": [operation...]}
//	Delete  {"id": string}
//
// GraphQL errors are classified by their "code" extension: CONFLICT and
// NOT_FOUND map onto the store's conflict and not-found errors, transport
// style codes are transient, and everything else is invalid.
package graphqlsvc

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"golang.org/x/time/rate"

	"github.com/c360/entitysync/entity"
	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/patch"
	"github.com/c360/entitysync/pkg/retry"
	"github.com/c360/entitysync/service"
)

// Documents holds one GraphQL document per service operation.
type Documents struct {
	List   string
	Get    string
	Create string
	Update string
	Delete string
}

type operation struct {
	name  string
	query string
	field string
}

type config struct {
	client  *http.Client
	logger  *slog.Logger
	header  http.Header
	schema  string
	retry   retry.Config
	timeout time.Duration
	limiter *rate.Limiter
}

// Option configures a Service.
type Option func(*config)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithHeader adds a header to every request, e.g. a tenant or API key.
func WithHeader(key, value string) Option {
	return func(cfg *config) {
		cfg.header.Add(key, value)
	}
}

// WithSchema validates every document against the given SDL.
func WithSchema(sdl string) Option {
	return func(cfg *config) {
		cfg.schema = sdl
	}
}

// WithRetry sets the backoff used for transient failures of reads. Writes
// are never retried.
func WithRetry(rc retry.Config) Option {
	return func(cfg *config) {
		cfg.retry = rc
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

// WithRateLimit caps requests per second across every operation of the
// service. Requests wait for a token or fail when ctx ends.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(cfg *config) {
		if perSecond > 0 {
			cfg.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// Service talks to a GraphQL endpoint for one entity type.
type Service[T any] struct {
	endpoint string
	schema   entity.Schema[T]
	cfg      config
	logger   *slog.Logger

	list, get, create, update, remove operation
}

var _ service.Service[struct{}] = (*Service[struct{}])(nil)

// New parses docs and returns a service posting to endpoint.
func New[T any](endpoint string, schema entity.Schema[T], docs Documents, opts ...Option) (*Service[T], error) {
	if endpoint == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "graphqlsvc", "New", "endpoint required")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	cfg := config{
		client:  http.DefaultClient,
		logger:  slog.Default(),
		header:  make(http.Header),
		retry:   retry.DefaultConfig(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var sdl *ast.Schema
	if cfg.schema != "" {
		var gqlErr error
		sdl, gqlErr = gqlparser.LoadSchema(&ast.Source{Name: schema.Name + ".graphql", Input: cfg.schema})
		if gqlErr != nil {
			return nil, errors.WrapInvalid(gqlErr, "graphqlsvc", "New", "parse GraphQL schema")
		}
	}

	s := &Service[T]{
		endpoint: endpoint,
		schema:   schema,
		cfg:      cfg,
		logger:   cfg.logger.With("component", "graphqlsvc", "store", schema.Name),
	}
	for _, d := range []struct {
		into  *operation
		name  string
		query string
	}{
		{&s.list, "List", docs.List},
		{&s.get, "Get", docs.Get},
		{&s.create, "Create", docs.Create},
		{&s.update, "Update", docs.Update},
		{&s.remove, "Delete", docs.Delete},
	} {
		op, err := parseOperation(sdl, d.name, d.query)
		if err != nil {
			return nil, err
		}
		*d.into = op
	}
	return s, nil
}

// parseOperation checks that query holds exactly one operation and finds
// the field its result is read from.
func parseOperation(sdl *ast.Schema, name, query string) (operation, error) {
	if query == "" {
		return operation{}, errors.WrapInvalid(errors.ErrMissingConfig, "graphqlsvc", "New", name+" document required")
	}

	src := &ast.Source{Name: name, Input: query}
	var doc *ast.QueryDocument
	if sdl != nil {
		var errs gqlerror.List
		doc, errs = gqlparser.LoadQuery(sdl, query)
		if len(errs) > 0 {
			return operation{}, errors.WrapInvalid(errs, "graphqlsvc", "New", "validate "+name+" document")
		}
	} else {
		var err error
		doc, err = parser.ParseQuery(src)
		if err != nil {
			return operation{}, errors.WrapInvalid(err, "graphqlsvc", "New", "parse "+name+" document")
		}
	}

	if len(doc.Operations) != 1 {
		return operation{}, errors.WrapInvalid(
			fmt.Errorf("%s document has %d operations, want 1", name, len(doc.Operations)),
			"graphqlsvc", "New", "check "+name+" document")
	}
	for _, sel := range doc.Operations[0].SelectionSet {
		if f, ok := sel.(*ast.Field); ok {
			field := f.Alias
			if field == "" {
				field = f.Name
			}
			return operation{name: name, query: query, field: field}, nil
		}
	}
	return operation{}, errors.WrapInvalid(
		fmt.Errorf("%s document selects no field", name), "graphqlsvc", "New", "check "+name+" document")
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type response struct {
	Errors gqlerror.List `json:"errors,omitempty"`
}

// do posts op and returns its result field, which may be missing or null.
func (s *Service[T]) do(ctx context.Context, op operation, vars map[string]any) (gjson.Result, error) {
	body, err := json.Marshal(request{Query: op.query, Variables: vars})
	if err != nil {
		return gjson.Result{}, errors.WrapFatal(err, "graphqlsvc", op.name, "encode request")
	}

	if s.cfg.limiter != nil {
		if err := s.cfg.limiter.Wait(ctx); err != nil {
			return gjson.Result{}, errors.WrapTransient(err, "graphqlsvc", op.name, "wait for rate limit")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, errors.WrapInvalid(err, "graphqlsvc", op.name, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range s.cfg.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.cfg.client.Do(req)
	if err != nil {
		return gjson.Result{}, errors.WrapTransient(err, "graphqlsvc", op.name, "post to "+s.endpoint)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, errors.WrapTransient(err, "graphqlsvc", op.name, "read response")
	}

	switch {
	case resp.StatusCode >= 500:
		return gjson.Result{}, errors.WrapTransient(
			fmt.Errorf("%w: status %d", errors.ErrStorageUnavailable, resp.StatusCode), "graphqlsvc", op.name, "check status")
	case resp.StatusCode != http.StatusOK && !gjson.ValidBytes(data):
		return gjson.Result{}, errors.WrapInvalid(
			fmt.Errorf("status %d", resp.StatusCode), "graphqlsvc", op.name, "check status")
	case !gjson.ValidBytes(data):
		return gjson.Result{}, errors.WrapInvalid(errors.ErrParsingFailed, "graphqlsvc", op.name, "parse response")
	}

	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return gjson.Result{}, errors.WrapInvalid(err, "graphqlsvc", op.name, "parse errors")
	}
	if len(r.Errors) > 0 {
		return gjson.Result{}, classify(r.Errors, op.name)
	}
	return gjson.GetBytes(data, "data."+op.field), nil
}

// classify maps GraphQL errors onto the store error classes.
func classify(errs gqlerror.List, method string) error {
	code, _ := errs[0].Extensions["code"].(string)
	switch code {
	case "CONFLICT":
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrConflict, errs.Error()), "graphqlsvc", method, "server rejected")
	case "NOT_FOUND":
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrKeyNotFound, errs.Error()), "graphqlsvc", method, "server rejected")
	case "TIMEOUT", "SERVICE_UNAVAILABLE", "TRANSIENT_ERROR", "DEADLINE_EXCEEDED":
		return errors.WrapTransient(errs, "graphqlsvc", method, "server unavailable")
	case "INTERNAL_ERROR", "INTERNAL_SERVER_ERROR":
		return errors.WrapFatal(errs, "graphqlsvc", method, "server failed")
	default:
		return errors.WrapInvalid(errs, "graphqlsvc", method, "server rejected")
	}
}

// read runs a read-only operation, retrying transient failures.
func (s *Service[T]) read(ctx context.Context, op operation, vars map[string]any) (gjson.Result, error) {
	res, err := retry.DoWithResult(ctx, s.cfg.retry, func() (gjson.Result, error) {
		res, err := s.do(ctx, op, vars)
		if err != nil && !errors.IsTransient(err) {
			return res, retry.NonRetryable(err)
		}
		return res, err
	})
	if err != nil {
		var nre *retry.NonRetryableError
		if stderrors.As(err, &nre) {
			return res, nre.Err
		}
		s.logger.Warn("GraphQL read failed after retries", "operation", op.name, "error", err)
		return res, errors.Propagate(err, "graphqlsvc", op.name, "retry")
	}
	return res, nil
}

func decodeResult[V any](res gjson.Result, method string) (V, error) {
	var v V
	if err := json.Unmarshal([]byte(res.Raw), &v); err != nil {
		return v, errors.WrapInvalid(err, "graphqlsvc", method, "decode result")
	}
	return v, nil
}

// List fetches one page.
func (s *Service[T]) List(ctx context.Context, page service.Page) (service.PageResult[T], error) {
	res, err := s.read(ctx, s.list, map[string]any{"page": page.Index, "size": page.Size})
	if err != nil {
		return service.PageResult[T]{}, err
	}
	if !res.Exists() || res.Type == gjson.Null {
		return service.PageResult[T]{}, nil
	}
	return decodeResult[service.PageResult[T]](res, "List")
}

// Get fetches one record.
func (s *Service[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	res, err := s.read(ctx, s.get, map[string]any{"id": id})
	if err != nil {
		return zero, err
	}
	if !res.Exists() || res.Type == gjson.Null {
		return zero, errors.WrapInvalid(
			fmt.Errorf("%w: %s %s", errors.ErrKeyNotFound, s.schema.Name, id), "graphqlsvc", "Get", "read result")
	}
	return decodeResult[T](res, "Get")
}

// Create sends the record without its temporary id.
func (s *Service[T]) Create(ctx context.Context, record T) (T, error) {
	var zero T
	input, err := patch.Encode(record)
	if err != nil {
		return zero, err
	}
	if id := s.schema.ID(record); id == "" || entity.IsTempID(id) {
		if input, err = s.stripID(input); err != nil {
			return zero, err
		}
	}

	res, err := s.do(ctx, s.create, map[string]any{"input": json.RawMessage(input)})
	if err != nil {
		return zero, err
	}
	if !res.Exists() || res.Type == gjson.Null {
		return zero, errors.WrapInvalid(errors.ErrInvalidData, "graphqlsvc", "Create", "empty result")
	}
	return decodeResult[T](res, "Create")
}

// stripID removes the identifier field from input. The field name is found
// by marking the id through the schema.
func (s *Service[T]) stripID(input []byte) ([]byte, error) {
	record, err := patch.Decode[T](input)
	if err != nil {
		return nil, err
	}
	marked, err := patch.Encode(s.schema.WithID(record, idMarker))
	if err != nil {
		return nil, err
	}
	var path string
	gjson.ParseBytes(marked).ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String && value.Str == idMarker {
			path = key.String()
			return false
		}
		return true
	})
	if path == "" {
		return input, nil
	}
	out, err := sjson.DeleteBytes(input, path)
	if err != nil {
		return nil, errors.WrapFatal(err, "graphqlsvc", "Create", "strip id")
	}
	return out, nil
}

const idMarker = "__entitysync_id__"

// Update sends the whole record plus the operations that produced it.
func (s *Service[T]) Update(ctx context.Context, record T, ops []patch.Operation) (T, error) {
	var zero T
	input, err := patch.Encode(record)
	if err != nil {
		return zero, err
	}
	if ops == nil {
		ops = []patch.Operation{}
	}

	res, err := s.do(ctx, s.update, map[string]any{"input": json.RawMessage(input), "patch": ops})
	if err != nil {
		return zero, err
	}
	if !res.Exists() || res.Type == gjson.Null {
		return zero, errors.WrapInvalid(
			fmt.Errorf("%w: %s %s", errors.ErrKeyNotFound, s.schema.Name, s.schema.ID(record)), "graphqlsvc", "Update", "read result")
	}
	return decodeResult[T](res, "Update")
}

// Delete removes a record.
func (s *Service[T]) Delete(ctx context.Context, id string) error {
	_, err := s.do(ctx, s.remove, map[string]any{"id": id})
	return err
}
