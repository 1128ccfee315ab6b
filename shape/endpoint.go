// Package shape replicates server-defined subsets of remote tables into the
// local database. Sync is one-way: the remote is authoritative and its rows
// unconditionally overwrite local state.
package shape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/INLOpen/nexuslocal/core"
)

// Message is one replicated row operation from the remote log.
type Message struct {
	// Op is "insert", "update" or "delete".
	Op string `json:"op"`
	// Key identifies the row for deletes that carry no full row image.
	Key string `json:"key,omitempty"`
	// Row is the full post-image for inserts and updates, and may carry just
	// the primary key for deletes.
	Row core.Row `json:"row,omitempty"`
	// TxID groups messages that committed together upstream, across shapes.
	TxID int64 `json:"txid"`
}

// Batch is one fetch result: a slice of the remote log starting at the
// requested cursor.
type Batch struct {
	Messages []Message `json:"messages"`
	// Cursor resumes the next fetch strictly after this batch.
	Cursor string `json:"cursor"`
	// UpToDate marks the batch that reaches the live end of the log.
	UpToDate bool `json:"up_to_date"`
}

// Endpoint fetches shape batches for one configured shape.
type Endpoint interface {
	Fetch(ctx context.Context, cursor string) (*Batch, error)
}

const (
	opInsert = "insert"
	opUpdate = "update"
	opDelete = "delete"
)

func validOp(op string) bool {
	switch op {
	case opInsert, opUpdate, opDelete:
		return true
	}
	return false
}

// HTTPEndpoint fetches batches over the JSON shape protocol: a GET against
// the source URL with cursor, filter and columns query parameters, answered
// with a Batch body.
type HTTPEndpoint struct {
	shapeKey string
	source   string
	filter   string
	columns  []string
	client   *http.Client
}

// NewHTTPEndpoint builds an endpoint for one shape. A nil client gets a
// default with a conservative timeout.
func NewHTTPEndpoint(shapeKey, source, filter string, columns []string, client *http.Client) *HTTPEndpoint {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPEndpoint{
		shapeKey: shapeKey,
		source:   source,
		filter:   filter,
		columns:  columns,
		client:   client,
	}
}

func (e *HTTPEndpoint) Fetch(ctx context.Context, cursor string) (*Batch, error) {
	u, err := url.Parse(e.source)
	if err != nil {
		return nil, &core.ShapeSchemaError{ShapeKey: e.shapeKey, Err: fmt.Errorf("invalid source url: %w", err)}
	}
	q := u.Query()
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if e.filter != "" {
		q.Set("filter", e.filter)
	}
	if len(e.columns) > 0 {
		q.Set("columns", strings.Join(e.columns, ","))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &core.ShapeSchemaError{ShapeKey: e.shapeKey, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &core.ShapeNetworkError{ShapeKey: e.shapeKey, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		// Client errors mean the shape definition itself is wrong and a
		// retry cannot help.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &core.ShapeSchemaError{ShapeKey: e.shapeKey, Err: err}
		}
		return nil, &core.ShapeNetworkError{ShapeKey: e.shapeKey, Err: err}
	}

	var batch Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, &core.ShapeSchemaError{ShapeKey: e.shapeKey, Err: fmt.Errorf("undecodable batch: %w", err)}
	}
	for _, msg := range batch.Messages {
		if !validOp(msg.Op) {
			return nil, &core.ShapeSchemaError{ShapeKey: e.shapeKey, Err: fmt.Errorf("unknown operation %q", msg.Op)}
		}
	}
	return &batch, nil
}
