package pipeline_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brettboylen/bluesky-tracker/api"
)

const (
	aliceDID    = "did:plc:alice"
	aliceHandle = "alice.bsky.social"
)

// mockBluesky serves the XRPC endpoints the pipeline uses from an in-memory timeline
type mockBluesky struct {
	*httptest.Server

	mutex    sync.Mutex
	calls    map[string]int
	sessions int
	feed     []api.PostView
	threads  map[string][]api.PostView
	// tokens rejected by the feed endpoint
	rejected map[string]bool
	// closed to release a blocked getProfile
	profileGate chan struct{}
}

func postView(uri, authorDID, text, createdAt string, parent string) api.PostView {
	view := api.PostView{
		URI:    uri,
		Author: api.Author{DID: authorDID},
		Record: api.Record{Text: text, CreatedAt: createdAt},
	}
	if parent != "" {
		view.Record.Reply = &api.ReplyRef{
			Parent: api.StrongRef{URI: parent},
			Root:   api.StrongRef{URI: parent},
		}
	}
	return view
}

func newMockBluesky() *mockBluesky {
	r1 := "at://did:plc:alice/app.bsky.feed.post/r1"
	r2 := "at://did:plc:alice/app.bsky.feed.post/r2"
	a := "at://did:plc:bob/app.bsky.feed.post/a"

	root1 := postView(r1, aliceDID, "I love this great day", "2025-01-20T09:00:00.000Z", "")
	root1.ReplyCount = 2
	root1.LikeCount = 7

	m := &mockBluesky{
		calls: make(map[string]int),
		feed: []api.PostView{
			root1,
			postView(r2, aliceDID, "terrible news", "2025-01-19T15:00:00.000Z", ""),
			postView("at://did:plc:alice/app.bsky.feed.post/r0", aliceDID, "before tracking", "2025-01-18T10:00:00.000Z", ""),
		},
		threads: map[string][]api.PostView{
			r1: {
				postView(a, "did:plc:bob", "great point", "2025-01-20T09:30:00.000Z", r1),
				postView("at://did:plc:carol/app.bsky.feed.post/b", "did:plc:carol", "awful take", "2025-01-20T09:45:00.000Z", r1),
			},
			a: {
				postView("at://did:plc:alice/app.bsky.feed.post/c", aliceDID, "thanks", "2025-01-20T10:00:00.000Z", a),
			},
		},
		rejected: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", m.createSession)
	mux.HandleFunc("/xrpc/com.atproto.identity.resolveHandle", m.resolveHandle)
	mux.HandleFunc("/xrpc/app.bsky.actor.getProfile", m.getProfile)
	mux.HandleFunc("/xrpc/app.bsky.feed.getAuthorFeed", m.getAuthorFeed)
	mux.HandleFunc("/xrpc/app.bsky.feed.getPostThread", m.getPostThread)
	m.Server = httptest.NewServer(mux)
	return m
}

func (m *mockBluesky) count(endpoint string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.calls[endpoint]
}

func (m *mockBluesky) reject(token string) {
	m.mutex.Lock()
	m.rejected[token] = true
	m.mutex.Unlock()
}

func (m *mockBluesky) record(endpoint string) {
	m.mutex.Lock()
	m.calls[endpoint]++
	m.mutex.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (m *mockBluesky) createSession(w http.ResponseWriter, r *http.Request) {
	m.record("createSession")

	m.mutex.Lock()
	m.sessions++
	token := fmt.Sprintf("jwt-%d", m.sessions)
	m.mutex.Unlock()

	writeJSON(w, http.StatusOK, api.Session{AccessJwt: token, DID: "did:plc:tracker", Handle: "tracker.bsky.social"})
}

func (m *mockBluesky) resolveHandle(w http.ResponseWriter, r *http.Request) {
	m.record("resolveHandle")
	if r.URL.Query().Get("handle") != aliceHandle {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "Unable to resolve handle"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"did": aliceDID})
}

func (m *mockBluesky) getProfile(w http.ResponseWriter, r *http.Request) {
	m.record("getProfile")

	m.mutex.Lock()
	gate := m.profileGate
	m.mutex.Unlock()
	if gate != nil {
		<-gate
	}

	writeJSON(w, http.StatusOK, api.Profile{
		DID:            aliceDID,
		Handle:         aliceHandle,
		DisplayName:    "Alice",
		FollowersCount: 120,
		FollowsCount:   80,
		PostsCount:     3,
	})
}

// getAuthorFeed returns the posts strictly older than the cursor, newest first
func (m *mockBluesky) getAuthorFeed(w http.ResponseWriter, r *http.Request) {
	m.record("getAuthorFeed")

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	m.mutex.Lock()
	rejected := m.rejected[token]
	m.mutex.Unlock()
	if rejected {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "ExpiredToken", "message": "Token has expired"})
		return
	}

	query := r.URL.Query()
	limit, err := strconv.Atoi(query.Get("limit"))
	if err != nil || limit < 1 {
		limit = 1
	}

	cursor := time.Now().UTC()
	if c := query.Get("cursor"); c != "" {
		parsed, err := api.ParseTimestamp(c)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidRequest"})
			return
		}
		cursor = parsed
	}

	posts := append([]api.PostView(nil), m.feed...)
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].Record.CreatedAt > posts[j].Record.CreatedAt
	})

	resp := api.FeedResponse{Feed: []api.FeedItem{}}
	for _, post := range posts {
		createdAt, _ := api.ParseTimestamp(post.Record.CreatedAt)
		if !createdAt.Before(cursor) {
			continue
		}
		resp.Feed = append(resp.Feed, api.FeedItem{Post: post})
		resp.Cursor = post.Record.CreatedAt
		if len(resp.Feed) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *mockBluesky) getPostThread(w http.ResponseWriter, r *http.Request) {
	m.record("getPostThread")

	uri := r.URL.Query().Get("uri")
	thread := api.ThreadView{Post: &api.PostView{URI: uri}}
	for _, reply := range m.threads[uri] {
		thread.Replies = append(thread.Replies, api.ThreadView{Post: &reply})
	}
	writeJSON(w, http.StatusOK, api.ThreadResponse{Thread: thread})
}
