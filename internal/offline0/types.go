package offline0

import (
	"net/http"
	"time"

	"offline0/internal/store"
)

// Response is what the interceptor hands back for one request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// Source tells where the response came from. It is written to the
	// X-Offline0 header: hit, miss, network, stale, queued, offline,
	// timeout or bypass.
	Source string

	// OperationID is set when the request was queued for replay.
	OperationID string
}

func (r *Response) ok() bool { return r.Status >= 200 && r.Status < 300 }

func (r *Response) clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	return &c
}

func (r *Response) entry() store.Entry {
	return store.Entry{
		Status:     r.Status,
		Header:     store.HeaderFields(r.Header),
		Body:       r.Body,
		CapturedAt: time.Now().UTC(),
	}
}

func responseFromEntry(ent store.Entry, source string) *Response {
	return &Response{
		Status: ent.Status,
		Header: ent.HTTPHeader(),
		Body:   ent.Body,
		Source: source,
	}
}

// SyncResult summarizes one replay pass.
type SyncResult struct {
	Replayed  int `json:"replayed"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Buried    int `json:"buried"`
}
