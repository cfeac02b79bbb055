package flight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"
)

// cancelFunc adapts a closure to the RPCHandle interface. Cancel is
// best-effort and must never block: callers may hold the replicator's
// latch across it (§4, §5), and the completing goroutine's callback
// itself needs that same latch to deliver its result, so waiting here
// for that goroutine to finish would deadlock against it.
type cancelFunc func()

func (c cancelFunc) Cancel() { c() }

// HTTPTransport is a concrete RPCService posting JSON-encoded requests to
// well-known peer paths, modeled on the teacher's raft.HTTPTransport.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns an HTTPTransport using client, or
// http.DefaultClient if nil.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{Client: client}
}

// Connect is a no-op liveness probe for HTTP: the real dial happens per
// request. It always succeeds, matching the teacher's "connection is a
// logical concept over HTTP" stance in raft.HTTPTransport.
func (t *HTTPTransport) Connect(endpoint string) bool { return true }

func (t *HTTPTransport) AppendEntries(endpoint string, req *AppendEntriesRequest, timeout time.Duration, cb func(*RPCResult)) RPCHandle {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		resp := new(AppendEntriesResponse)
		err := t.postJSON(ctx, endpoint+"/raft/append_entries", timeout, req, resp)
		cb(&RPCResult{
			OK:                    err == nil,
			Err:                   err,
			AppendEntriesRequest:  req,
			AppendEntriesResponse: resp,
		})
	}()
	return cancelFunc(cancel)
}

func (t *HTTPTransport) InstallSnapshot(endpoint string, req *InstallSnapshotRequest, cb func(*RPCResult)) RPCHandle {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		resp := new(InstallSnapshotResponse)
		err := t.postJSON(ctx, endpoint+"/raft/install_snapshot", 0, req, resp)
		cb(&RPCResult{
			OK:                      err == nil,
			Err:                     err,
			InstallSnapshotRequest:  req,
			InstallSnapshotResponse: resp,
		})
	}()
	return cancelFunc(cancel)
}

func (t *HTTPTransport) TimeoutNow(endpoint string, req *TimeoutNowRequest, timeout time.Duration, cb func(*RPCResult)) RPCHandle {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		resp := new(TimeoutNowResponse)
		err := t.postJSON(ctx, endpoint+"/raft/timeout_now", timeout, req, resp)
		cb(&RPCResult{
			OK:                 err == nil,
			Err:                err,
			TimeoutNowResponse: resp,
		})
	}()
	return cancelFunc(cancel)
}

func (t *HTTPTransport) postJSON(ctx context.Context, url string, timeout time.Duration, body, out interface{}) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return errors.Wrap(err, "encode request")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

// RaftHandler is a server-side chi router dispatching incoming wire
// requests to an FSM, the receiving end of HTTPTransport, modeled on the
// teacher's raft.HTTPHandler.ServeHTTP path-based switch.
type RaftHandler struct {
	FSM FollowerFSM
}

// FollowerFSM is the follower-side state a RaftHandler dispatches into.
// It is deliberately separate from the leader-side collaborator
// interfaces in collaborators.go: a follower's handling of these RPCs
// (log matching, snapshot adoption, stepping down) is out of scope for
// this module beyond what FakeTransport, RaftHandler, the tests and the
// demo command need.
type FollowerFSM interface {
	HandleAppendEntries(*AppendEntriesRequest) *AppendEntriesResponse
	HandleInstallSnapshot(*InstallSnapshotRequest) *InstallSnapshotResponse
	HandleTimeoutNow(*TimeoutNowRequest) *TimeoutNowResponse
}

// NewRaftHandler builds the chi router HTTPTransport's three RPC paths
// are posted to.
func NewRaftHandler(fsm FollowerFSM) http.Handler {
	h := &RaftHandler{FSM: fsm}
	r := chi.NewRouter()
	r.Post("/raft/append_entries", h.serveAppendEntries)
	r.Post("/raft/install_snapshot", h.serveInstallSnapshot)
	r.Post("/raft/timeout_now", h.serveTimeoutNow)
	return r
}

func (h *RaftHandler) serveAppendEntries(w http.ResponseWriter, r *http.Request) {
	req := new(AppendEntriesRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, fmt.Sprintf("decode: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, h.FSM.HandleAppendEntries(req))
}

func (h *RaftHandler) serveInstallSnapshot(w http.ResponseWriter, r *http.Request) {
	req := new(InstallSnapshotRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, fmt.Sprintf("decode: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, h.FSM.HandleInstallSnapshot(req))
}

func (h *RaftHandler) serveTimeoutNow(w http.ResponseWriter, r *http.Request) {
	req := new(TimeoutNowRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, fmt.Sprintf("decode: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, h.FSM.HandleTimeoutNow(req))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
