package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/notify"
	"github.com/starford/annocollab/internal/push"
)

// Headers exchanged with the collaboration server.
const (
	HeaderUserToken       = "X-User-Token"
	HeaderUserName        = "X-User-Name"
	HeaderChannelSequence = "X-Channel-Sequence"
)

// SubmitResponse is the body of an accepted POST /changes.
type SubmitResponse struct {
	OK        bool             `json:"ok"`
	Sequences map[string]int64 `json:"sequences,omitempty"`
}

// RemoteHandler applies a change received from another user.
type RemoteHandler func(ctx context.Context, c change.Change) error

// CollaborationDriver talks to the collaboration server over HTTP and keeps a
// websocket open for the push channels of every loaded refSeq.
type CollaborationDriver struct {
	base      *url.URL
	client    *http.Client
	dialer    *websocket.Dialer
	registry  *change.Registry
	userToken string
	userName  string
	authToken string
	notifier  notify.Notifier
	logger    *slog.Logger
	delay     time.Duration

	mu          sync.Mutex
	onRemote    RemoteHandler
	hasAssembly func(id string) bool
	topics      map[string]struct{}
	lastSeq     map[string]int64

	// applyMu keeps inbound messages and catch-ups in sequence order.
	applyMu  sync.Mutex
	topicsCh chan struct{}
}

// CollaborationOption configures a CollaborationDriver.
type CollaborationOption func(*CollaborationDriver)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) CollaborationOption {
	return func(d *CollaborationDriver) {
		d.client = c
	}
}

// WithUser sets the identity sent with every change. The token also
// recognizes the user's own changes when they are echoed back.
func WithUser(token, name string) CollaborationOption {
	return func(d *CollaborationDriver) {
		d.userToken = token
		d.userName = name
	}
}

// WithAuthToken sends a bearer token with every request.
func WithAuthToken(token string) CollaborationOption {
	return func(d *CollaborationDriver) {
		d.authToken = token
	}
}

// WithNotifier reports connection changes.
func WithNotifier(n notify.Notifier) CollaborationOption {
	return func(d *CollaborationDriver) {
		d.notifier = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) CollaborationOption {
	return func(d *CollaborationDriver) {
		d.logger = l
	}
}

// WithReconnectDelay sets the pause between websocket connection attempts.
func WithReconnectDelay(delay time.Duration) CollaborationOption {
	return func(d *CollaborationDriver) {
		if delay > 0 {
			d.delay = delay
		}
	}
}

// NewCollaborationDriver creates a driver for the server at baseURL, for
// example "http://localhost:3999/api".
func NewCollaborationDriver(baseURL string, registry *change.Registry, opts ...CollaborationOption) (*CollaborationDriver, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: collaboration: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: collaboration: unsupported scheme %q", u.Scheme)
	}
	if registry == nil {
		registry = change.NewRegistry()
	}
	d := &CollaborationDriver{
		base:     u,
		client:   http.DefaultClient,
		dialer:   websocket.DefaultDialer,
		registry: registry,
		delay:    2 * time.Second,
		topics:   map[string]struct{}{models.CommonChannel: {}},
		lastSeq:  make(map[string]int64),
		topicsCh: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.notifier == nil {
		d.notifier = notify.NewLogger(d.logger)
	}
	return d, nil
}

// SetRemoteHandler sets where changes of other users go. hasAssembly filters
// out refSeq channel traffic for assemblies that are not loaded locally; it
// may be nil.
func (d *CollaborationDriver) SetRemoteHandler(h RemoteHandler, hasAssembly func(id string) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRemote = h
	d.hasAssembly = hasAssembly
}

// UserToken returns the token identifying this client's changes.
func (d *CollaborationDriver) UserToken() string { return d.userToken }

func (d *CollaborationDriver) endpoint(path string, q url.Values) string {
	u := *d.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (d *CollaborationDriver) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, d.endpoint(path, q), body)
	if err != nil {
		return nil, fmt.Errorf("backend: collaboration: build request: %w", err)
	}
	d.authorize(req.Header)
	return req, nil
}

func (d *CollaborationDriver) authorize(h http.Header) {
	if d.authToken != "" {
		h.Set("Authorization", "Bearer "+d.authToken)
	}
	if d.userToken != "" {
		h.Set(HeaderUserToken, d.userToken)
	}
	if d.userName != "" {
		h.Set(HeaderUserName, d.userName)
	}
}

// do sends req and returns the response when its status is 2xx. Any other
// status becomes an apperr.RejectedError carrying the body text.
func (d *CollaborationDriver) do(req *http.Request) (*http.Response, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: collaboration: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	detail := strings.TrimSpace(string(body))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		detail = e.Error
	}
	rejected := apperr.RejectedError{Status: resp.StatusCode, Detail: detail}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("backend: collaboration: %w: %w", rejected, apperr.ErrNotFound)
	}
	return nil, fmt.Errorf("backend: collaboration: %w", rejected)
}

func (d *CollaborationDriver) getJSON(ctx context.Context, path string, q url.Values, out any) (http.Header, error) {
	req, err := d.newRequest(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("backend: collaboration: decode %s: %w", path, err)
	}
	return resp.Header, nil
}

func regionQuery(r models.Region) url.Values {
	q := url.Values{}
	q.Set("refSeq", r.RefSeq)
	q.Set("start", strconv.FormatInt(r.Start, 10))
	q.Set("end", strconv.FormatInt(r.End, 10))
	return q
}

// GetFeatures fetches the features of region and subscribes to its channel.
func (d *CollaborationDriver) GetFeatures(ctx context.Context, region models.Region) ([]models.FeatureSnapshot, error) {
	var feats []models.FeatureSnapshot
	h, err := d.getJSON(ctx, "/features/getFeatures", regionQuery(region), &feats)
	if err != nil {
		return nil, err
	}
	d.subscribe(models.ChannelName(region.Assembly, region.RefSeq), h)
	return feats, nil
}

// GetSequence fetches the bases of region.
func (d *CollaborationDriver) GetSequence(ctx context.Context, region models.Region) (models.SequenceChunk, error) {
	req, err := d.newRequest(ctx, http.MethodGet, "/refSeqs/getSequence", regionQuery(region), nil)
	if err != nil {
		return models.SequenceChunk{}, err
	}
	resp, err := d.do(req)
	if err != nil {
		return models.SequenceChunk{}, err
	}
	defer resp.Body.Close()
	seq, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.SequenceChunk{}, fmt.Errorf("backend: collaboration: read sequence: %w", err)
	}
	return models.SequenceChunk{
		RefSeq: region.RefSeq,
		Start:  region.Start,
		End:    region.Start + int64(len(seq)),
		Seq:    string(seq),
	}, nil
}

// GetRefSeqs fetches the refSeq headers of an assembly.
func (d *CollaborationDriver) GetRefSeqs(ctx context.Context, assemblyID string) ([]models.RefSeqSnapshot, error) {
	var refs []models.RefSeqSnapshot
	h, err := d.getJSON(ctx, "/refSeqs", url.Values{"assembly": {assemblyID}}, &refs)
	if err != nil {
		return nil, err
	}
	d.observe(models.CommonChannel, h)
	return refs, nil
}

// GetAssemblies lists the assemblies known to the server.
func (d *CollaborationDriver) GetAssemblies(ctx context.Context) ([]models.AssemblySnapshot, error) {
	var out []models.AssemblySnapshot
	if _, err := d.getJSON(ctx, "/assemblies", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitChange posts op to the server. A non-2xx answer is returned as an
// error wrapping apperr.ErrRejected.
func (d *CollaborationDriver) SubmitChange(ctx context.Context, op datastore.Operation) (models.ValidationResultSet, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return models.ValidationResultSet{}, fmt.Errorf("backend: collaboration: encode %s: %w", op.TypeName(), err)
	}
	req, err := d.newRequest(ctx, http.MethodPost, "/changes", nil, bytes.NewReader(body))
	if err != nil {
		return models.ValidationResultSet{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.do(req)
	if err != nil {
		return models.ValidationResultSet{}, err
	}
	defer resp.Body.Close()

	var out SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.ValidationResultSet{}, fmt.Errorf("backend: collaboration: decode submit response: %w", err)
	}
	// Channel sequences only advance from pushed messages.
	for ch, seq := range out.Sequences {
		d.logger.Debug("backend: collaboration: change accepted",
			slog.String("change", op.TypeName()),
			slog.String("channel", ch),
			slog.Int64("seq", seq),
		)
	}
	if !out.OK {
		return models.Rejected("CollaborationServer", "server did not accept the change"), nil
	}
	return models.Accepted(), nil
}

// subscribe adds a push channel. h may carry the channel's current sequence.
func (d *CollaborationDriver) subscribe(channel string, h http.Header) {
	d.observe(channel, h)
	d.mu.Lock()
	_, known := d.topics[channel]
	if !known {
		d.topics[channel] = struct{}{}
	}
	d.mu.Unlock()
	if !known {
		select {
		case d.topicsCh <- struct{}{}:
		default:
		}
	}
}

// observe records the sequence a response was served at, unless a later one
// is already known.
func (d *CollaborationDriver) observe(channel string, h http.Header) {
	if h == nil {
		return
	}
	seq, err := strconv.ParseInt(h.Get(HeaderChannelSequence), 10, 64)
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.lastSeq[channel]; !ok || seq > cur {
		d.lastSeq[channel] = seq
	}
}

// Topics returns the subscribed channels, sorted.
func (d *CollaborationDriver) Topics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.topics))
	for t := range d.topics {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// LastSequence returns the highest sequence seen on channel.
func (d *CollaborationDriver) LastSequence(channel string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq, ok := d.lastSeq[channel]
	return seq, ok
}

// Run keeps the push connection open until ctx is done. After every
// reconnect the missed changes of each channel are fetched and applied.
func (d *CollaborationDriver) Run(ctx context.Context) error {
	connected := false
	for {
		err := d.connect(ctx, func() {
			if !connected {
				d.notifier.Notify(notify.Info, "Connected to collaboration server")
			}
			connected = true
			d.catchUpAll(ctx)
		})
		if ctx.Err() != nil {
			return nil
		}
		if connected && !errors.Is(err, errResubscribe) {
			connected = false
			d.notifier.Notify(notify.Warning, "Disconnected from collaboration server")
		}
		if err != nil && !errors.Is(err, errResubscribe) {
			d.logger.Warn("backend: collaboration: push connection lost", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.delay):
			}
		}
	}
}

var errResubscribe = errors.New("topics changed")

func (d *CollaborationDriver) wsURL(topics []string) string {
	u := *d.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/changes/ws"
	u.RawQuery = url.Values{"topics": {strings.Join(topics, ",")}}.Encode()
	return u.String()
}

// connect runs one websocket session. onOpen runs once the connection is up.
func (d *CollaborationDriver) connect(ctx context.Context, onOpen func()) error {
	h := http.Header{}
	d.authorize(h)
	conn, _, err := d.dialer.DialContext(ctx, d.wsURL(d.Topics()), h)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Drain any pending resubscribe signal; this connection already has the
	// current topics.
	select {
	case <-d.topicsCh:
	default:
	}
	onOpen()

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	var reason error
	var reasonMu sync.Mutex
	go func() {
		select {
		case <-ctx.Done():
		case <-d.topicsCh:
			reasonMu.Lock()
			reason = errResubscribe
			reasonMu.Unlock()
		case <-sessionDone:
			return
		}
		_ = conn.Close()
	}()

	for {
		var msg push.Message
		if err := conn.ReadJSON(&msg); err != nil {
			reasonMu.Lock()
			defer reasonMu.Unlock()
			if reason != nil {
				return reason
			}
			return fmt.Errorf("read: %w", err)
		}
		d.receive(ctx, msg)
	}
}

// receive handles one pushed message, fetching what was missed when its
// sequence number skips ahead.
func (d *CollaborationDriver) receive(ctx context.Context, msg push.Message) {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	last, known := d.LastSequence(msg.Channel)
	switch {
	case known && msg.ChangeSequence <= last:
		return
	case known && msg.ChangeSequence > last+1:
		d.logger.Info("backend: collaboration: sequence gap",
			slog.String("channel", msg.Channel),
			slog.Int64("last", last),
			slog.Int64("received", msg.ChangeSequence),
		)
		if err := d.catchUpLocked(ctx, msg.Channel, last); err != nil {
			d.logger.Warn("backend: collaboration: catch-up failed",
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	d.applyLocked(ctx, msg)
}

func (d *CollaborationDriver) catchUpAll(ctx context.Context) {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()
	for _, ch := range d.Topics() {
		last, known := d.LastSequence(ch)
		if !known {
			continue
		}
		if err := d.catchUpLocked(ctx, ch, last); err != nil {
			d.logger.Warn("backend: collaboration: catch-up failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
		}
	}
}

// catchUpLocked fetches the changes of channel after since and applies them.
// The caller holds applyMu.
func (d *CollaborationDriver) catchUpLocked(ctx context.Context, channel string, since int64) error {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("since", strconv.FormatInt(since, 10))
	var missed []push.Message
	if _, err := d.getJSON(ctx, "/changes", q, &missed); err != nil {
		return err
	}
	for _, m := range missed {
		d.applyLocked(ctx, m)
	}
	return nil
}

// applyLocked advances the channel sequence and hands the change of another
// user to the remote handler. The caller holds applyMu.
func (d *CollaborationDriver) applyLocked(ctx context.Context, msg push.Message) {
	d.mu.Lock()
	if msg.ChangeSequence > d.lastSeq[msg.Channel] {
		d.lastSeq[msg.Channel] = msg.ChangeSequence
	}
	handler, hasAssembly := d.onRemote, d.hasAssembly
	d.mu.Unlock()

	if d.userToken != "" && msg.UserToken == d.userToken {
		return
	}
	if handler == nil {
		return
	}
	c, err := d.registry.Decode(msg.ChangeInfo)
	if err != nil {
		d.logger.Warn("backend: collaboration: undecodable change",
			slog.String("channel", msg.Channel),
			slog.Int64("seq", msg.ChangeSequence),
			slog.String("error", err.Error()),
		)
		return
	}
	if msg.Channel != models.CommonChannel && hasAssembly != nil && !hasAssembly(c.AssemblyID()) {
		return
	}
	if err := handler(ctx, c); err != nil {
		d.logger.Warn("backend: collaboration: remote change not applied",
			slog.String("change", c.TypeName()),
			slog.String("user", msg.UserName),
			slog.Int64("seq", msg.ChangeSequence),
			slog.String("error", err.Error()),
		)
		return
	}
	d.logger.Debug("backend: collaboration: remote change applied",
		slog.String("change", c.TypeName()),
		slog.String("user", msg.UserName),
		slog.Int64("seq", msg.ChangeSequence),
	)
}

var _ datastore.BackendDriver = (*CollaborationDriver)(nil)
