package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/notify"
	"github.com/starford/annocollab/internal/push"
	"github.com/starford/annocollab/internal/testutil"
)

// fakeServer mimics the collaboration server endpoints the driver uses.
type fakeServer struct {
	t      *testing.T
	broker *push.Broker
	mu     sync.Mutex
	log    []push.Message
	posted []string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{t: t, broker: push.NewBroker(nil)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/features/getFeatures", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderChannelSequence, "1")
		_ = json.NewEncoder(w).Encode([]models.FeatureSnapshot{testutil.Gene()})
	})
	mux.HandleFunc("GET /api/refSeqs/getSequence", func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		end, _ := strconv.Atoi(r.URL.Query().Get("end"))
		_, _ = io.WriteString(w, testutil.Sequence()[start:end])
	})
	mux.HandleFunc("POST /api/changes", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var head struct {
			TypeName string `json:"typeName"`
		}
		_ = json.Unmarshal(body, &head)
		fs.mu.Lock()
		fs.posted = append(fs.posted, r.Header.Get(HeaderUserToken)+":"+head.TypeName)
		fs.mu.Unlock()
		if head.TypeName != change.TypeType {
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":"feature changed on the server"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(SubmitResponse{OK: true, Sequences: map[string]int64{"asm1-ctgA": 2}})
	})
	mux.HandleFunc("GET /api/changes", func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		channel := r.URL.Query().Get("channel")
		fs.mu.Lock()
		defer fs.mu.Unlock()
		out := []push.Message{}
		for _, m := range fs.log {
			if m.Channel == channel && m.ChangeSequence > since {
				out = append(out, m)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.Handle("GET /api/changes/ws", fs.broker.WebSocket(slog.Default()))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		fs.broker.Close()
	})
	return fs, srv
}

func (fs *fakeServer) message(seq int64, token string, c change.Change) push.Message {
	fs.t.Helper()
	raw, err := change.Encode(c)
	if err != nil {
		fs.t.Fatal(err)
	}
	m := push.Message{ChangeSequence: seq, UserToken: token, Channel: "asm1-ctgA", ChangeInfo: raw, UserName: token}
	fs.mu.Lock()
	fs.log = append(fs.log, m)
	fs.mu.Unlock()
	return m
}

func TestCollaborationDriverFetches(t *testing.T) {
	_, srv := newFakeServer(t)
	d, err := NewCollaborationDriver(srv.URL+"/api", nil, WithUser("me", "Me"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	feats, err := d.GetFeatures(ctx, testutil.Region())
	if err != nil || len(feats) != 1 || feats[0].ID != testutil.GeneID {
		t.Fatalf("features = %+v, %v", feats, err)
	}
	topics := d.Topics()
	if len(topics) != 2 || topics[0] != models.CommonChannel || topics[1] != "asm1-ctgA" {
		t.Errorf("topics = %v", topics)
	}
	if seq, ok := d.LastSequence("asm1-ctgA"); !ok || seq != 1 {
		t.Errorf("last sequence = %d, %v", seq, ok)
	}
	chunk, err := d.GetSequence(ctx, models.Region{Assembly: testutil.AssemblyID, RefSeq: testutil.RefSeqID, Start: 4, End: 8})
	if err != nil || chunk.Seq != "ACGT" || chunk.End != 8 {
		t.Fatalf("sequence = %+v, %v", chunk, err)
	}
}

func TestCollaborationDriverSubmit(t *testing.T) {
	fs, srv := newFakeServer(t)
	d, _ := NewCollaborationDriver(srv.URL+"/api", nil, WithUser("me", "Me"))
	ctx := context.Background()

	res, err := d.SubmitChange(ctx, change.NewType(testutil.AssemblyID, testutil.Exon1, "exon", "CDS"))
	if err != nil || !res.OK {
		t.Fatalf("submit = %+v, %v", res, err)
	}

	_, err = d.SubmitChange(ctx, change.NewStrand(testutil.AssemblyID, testutil.Exon1, 1, -1))
	if !errors.Is(err, apperr.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	var rejected apperr.RejectedError
	if !errors.As(err, &rejected) || rejected.Status != http.StatusConflict || rejected.Detail != "feature changed on the server" {
		t.Fatalf("rejected = %+v", rejected)
	}
	if len(fs.posted) != 2 || fs.posted[0] != "me:TypeChange" {
		t.Errorf("posted = %v", fs.posted)
	}
}

func TestCollaborationDriverPushAndCatchUp(t *testing.T) {
	fs, srv := newFakeServer(t)
	notes := &notify.Recorder{}
	d, _ := NewCollaborationDriver(srv.URL+"/api", nil,
		WithUser("me", "Me"),
		WithNotifier(notes),
		WithReconnectDelay(10*time.Millisecond),
	)
	received := make(chan change.Change, 10)
	d.SetRemoteHandler(func(_ context.Context, c change.Change) error {
		received <- c
		return nil
	}, func(id string) bool { return id == testutil.AssemblyID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := d.GetFeatures(ctx, testutil.Region()); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for fs.broker.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("driver never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Own echo is skipped, a peer change is applied.
	fs.broker.Publish(fs.message(2, "me", change.NewType(testutil.AssemblyID, testutil.Exon1, "exon", "CDS")))
	fs.broker.Publish(fs.message(3, "peer", change.NewType(testutil.AssemblyID, testutil.Exon2, "exon", "CDS")))
	expectChange(t, received, testutil.Exon2)

	// Sequences 4 and 5 are never pushed; 6 reveals the gap.
	fs.message(4, "peer", change.NewType(testutil.AssemblyID, testutil.Exon3, "exon", "CDS"))
	fs.message(5, "peer", change.NewStrand("other-assembly", "x", 1, -1))
	fs.broker.Publish(fs.message(6, "peer", change.NewType(testutil.AssemblyID, testutil.CDS1, "CDS", "exon")))
	expectChange(t, received, testutil.Exon3)
	expectChange(t, received, testutil.CDS1)

	if seq, _ := d.LastSequence("asm1-ctgA"); seq != 6 {
		t.Errorf("last sequence = %d, want 6", seq)
	}
	select {
	case c := <-received:
		t.Fatalf("unexpected change %s %v", c.TypeName(), c.ChangedIDs())
	default:
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if msgs := notes.Messages(); len(msgs) == 0 || msgs[0].Text != "Connected to collaboration server" {
		t.Errorf("notifications = %+v", msgs)
	}
}

func expectChange(t *testing.T, ch <-chan change.Change, id string) {
	t.Helper()
	select {
	case c := <-ch:
		if ids := c.ChangedIDs(); len(ids) != 1 || ids[0] != id {
			t.Fatalf("received change for %v, want %s", ids, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for change of %s", id)
	}
}

func TestNewCollaborationDriverRejectsBadURL(t *testing.T) {
	if _, err := NewCollaborationDriver("ftp://example.com", nil); err == nil {
		t.Fatal("expected error")
	}
}
