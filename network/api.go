package network

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"meshcoord/apperr"
	"meshcoord/attest"
	"meshcoord/relay"
	"meshcoord/servers"
	"meshcoord/storage"
)

const (
	// DefaultSmallBodyLimit caps heartbeat, delete and challenge bodies.
	DefaultSmallBodyLimit = 1 << 10
	// DefaultBodyLimit caps register, verify and versions bodies.
	DefaultBodyLimit = 16 << 10
	// DefaultUploadBodyLimit caps reference uploads.
	DefaultUploadBodyLimit = 4 << 20
)

// SecurityEventSource lists recorded security events. *storage.Store
// implements it.
type SecurityEventSource interface {
	GetSecurityEvents(filter storage.SecurityEventFilter) ([]storage.SecurityEvent, error)
	SummarizeSecurityEvents(since int64) ([]storage.SecurityEventSummary, error)
}

// APIOptions configures the HTTP API.
type APIOptions struct {
	AdminSecret     string
	SmallBodyLimit  int64
	BodyLimit       int64
	UploadBodyLimit int64
	Security        storage.SecurityLog
	Logger          *zap.Logger
}

func (o APIOptions) withDefaults() APIOptions {
	if o.SmallBodyLimit <= 0 {
		o.SmallBodyLimit = DefaultSmallBodyLimit
	}
	if o.BodyLimit <= 0 {
		o.BodyLimit = DefaultBodyLimit
	}
	if o.UploadBodyLimit <= 0 {
		o.UploadBodyLimit = DefaultUploadBodyLimit
	}
	if o.Security == nil {
		o.Security = storage.NopSecurityLog{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// API is the HTTP surface of the coordinator.
type API struct {
	opts      APIOptions
	relays    *relay.Registry
	attest    *attest.Registry
	servers   *servers.Directory
	events    SecurityEventSource
	mesh      http.Handler
	signaling http.Handler
	router    *mux.Router
}

// NewAPI builds the router. att, mesh and sig may be nil to leave their
// endpoints unmounted.
func NewAPI(relays *relay.Registry, att *attest.Registry, dir *servers.Directory, events SecurityEventSource, mesh, sig http.Handler, opts APIOptions) *API {
	a := &API{
		opts:      opts.withDefaults(),
		relays:    relays,
		attest:    att,
		servers:   dir,
		events:    events,
		mesh:      mesh,
		signaling: sig,
		router:    mux.NewRouter(),
	}
	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	r := a.router
	r.Use(a.recoverMiddleware, a.logMiddleware)

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/relays", a.handleRelays).Methods(http.MethodGet)

	r.HandleFunc("/servers", a.handleServerRegister).Methods(http.MethodPost)
	r.HandleFunc("/servers", a.handleServerList).Methods(http.MethodGet)
	r.HandleFunc("/servers/heartbeat", a.handleServerHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/servers/{id}", a.handleServerDelete).Methods(http.MethodDelete)

	if a.attest != nil {
		r.HandleFunc("/attest/register", a.handleAttestRegister).Methods(http.MethodPost)
		r.HandleFunc("/attest/challenge", a.handleAttestChallenge).Methods(http.MethodPost)
		r.HandleFunc("/attest/verify", a.handleAttestVerify).Methods(http.MethodPost)
		r.HandleFunc("/attest/upload-reference", a.admin(a.handleUploadReference)).Methods(http.MethodPost)
		r.HandleFunc("/attest/versions", a.admin(a.handleSetVersion)).Methods(http.MethodPost)
	}

	r.HandleFunc("/admin/security-events", a.admin(a.handleSecurityEvents)).Methods(http.MethodGet)
	r.HandleFunc("/admin/security-events/summary", a.admin(a.handleSecurityEventSummary)).Methods(http.MethodGet)

	if a.mesh != nil {
		r.Handle("/ws", a.mesh).Methods(http.MethodGet)
	}
	if a.signaling != nil {
		r.Handle("/ws/pair/{room}", a.signaling).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, apperr.NotFound("not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "method not allowed"})
	})
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleRelays(w http.ResponseWriter, r *http.Request) {
	relays, err := a.relays.ListAvailable(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relays": relays})
}

type serverRegisterRequest struct {
	ServerID  string `json:"server_id"`
	PublicKey string `json:"public_key"`
	Endpoint  string `json:"endpoint"`
}

type signedRequest struct {
	ServerID  string `json:"server_id"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

func (a *API) handleServerRegister(w http.ResponseWriter, r *http.Request) {
	var req serverRegisterRequest
	if err := a.decode(w, r, a.opts.BodyLimit, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	rec, err := a.servers.Register(r.Context(), req.ServerID, req.PublicKey, req.Endpoint)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleServerList(w http.ResponseWriter, r *http.Request) {
	list, err := a.servers.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": list})
}

func (a *API) handleServerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req signedRequest
	if err := a.decode(w, r, a.opts.SmallBodyLimit, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	rec, err := a.servers.Heartbeat(r.Context(), req.ServerID, req.Timestamp, req.Signature)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleServerDelete(w http.ResponseWriter, r *http.Request) {
	var req signedRequest
	if err := a.decode(w, r, a.opts.SmallBodyLimit, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.servers.Delete(r.Context(), mux.Vars(r)["id"], req.Timestamp, req.Signature); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attestRegisterRequest struct {
	DeviceID   string `json:"device_id"`
	BuildToken string `json:"build_token"`
}

type attestChallengeRequest struct {
	DeviceID string `json:"device_id"`
}

type attestVerifyRequest struct {
	Nonce     string   `json:"nonce"`
	Responses []string `json:"responses"`
}

type uploadReferenceRequest struct {
	Platform string   `json:"platform"`
	Version  string   `json:"version"`
	Regions  [][]byte `json:"regions"`
}

type setVersionRequest struct {
	Platform   string `json:"platform"`
	MinVersion string `json:"min_version"`
}

func (a *API) handleAttestRegister(w http.ResponseWriter, r *http.Request) {
	var req attestRegisterRequest
	if err := a.decode(w, r, a.opts.BodyLimit, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	rec, err := a.attest.Register(r.Context(), req.DeviceID, req.BuildToken)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"device_id": rec.DeviceID,
		"platform":  rec.Platform,
		"version":   rec.Version,
	})
}

func (a *API) handleAttestChallenge(w http.ResponseWriter, r *http.Request) {
	var req attestChallengeRequest
	if err := a.decode(w, r, a.opts.SmallBodyLimit, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	ch, err := a.attest.IssueChallenge(r.Context(), req.DeviceID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (a *API) handleAttestVerify(w http.ResponseWriter, r *http.Request) {
	var req attestVerifyRequest
	if err := a.decode(w, r, a.opts.BodyLimit, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	sess, err := a.attest.Verify(r.Context(), req.Nonce, req.Responses)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleUploadReference(w http.ResponseWriter, r *http.Request) {
	var req uploadReferenceRequest
	if err := a.decode(w, r, a.opts.UploadBodyLimit, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.attest.UploadReference(r.Context(), req.Platform, req.Version, req.Regions); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"platform": req.Platform, "version": req.Version, "regions": len(req.Regions)})
}

func (a *API) handleSetVersion(w http.ResponseWriter, r *http.Request) {
	var req setVersionRequest
	if err := a.decode(w, r, a.opts.BodyLimit, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.attest.SetMinimumVersion(r.Context(), req.Platform, req.MinVersion); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, apperr.NotFound("not found"))
		return
	}
	q := r.URL.Query()
	filter := storage.SecurityEventFilter{
		EventType: q.Get("type"),
		Component: q.Get("component"),
		Subject:   q.Get("subject"),
		Severity:  q.Get("severity"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		a.fail(w, r, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		a.fail(w, r, err)
		return
	}
	if since := q.Get("since"); since != "" {
		ts, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			a.fail(w, r, apperr.Validation("invalid since"))
			return
		}
		filter.FromTimestamp = &ts
	}

	switch filter.Severity {
	case "", storage.SecuritySeverityInfo, storage.SecuritySeverityWarning, storage.SecuritySeverityCritical:
	default:
		a.fail(w, r, apperr.Validation("invalid severity"))
		return
	}

	events, err := a.events.GetSecurityEvents(filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleSecurityEventSummary(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, apperr.NotFound("not found"))
		return
	}
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			a.fail(w, r, apperr.Validation("invalid since"))
			return
		}
		since = ts
	}
	summary, err := a.events.SummarizeSecurityEvents(since)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

// admin guards h with the bearer admin secret. An empty secret disables the
// endpoint.
func (a *API) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.opts.AdminSecret == "" {
			writeError(w, apperr.Forbidden("admin disabled"))
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.opts.AdminSecret)) != 1 {
			event := storage.NewSecurityEvent(storage.EventAdminAuthFailed, remoteIP(r), map[string]any{
				"path": r.URL.Path,
			})
			if err := a.opts.Security.LogSecurityEvent(event); err != nil {
				a.opts.Logger.Warn("record security event", zap.Error(err))
			}
			writeError(w, apperr.Auth("unauthorized"))
			return
		}
		h(w, r)
	}
}

// decode reads a JSON body of at most limit bytes.
func (a *API) decode(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	if r.ContentLength > limit {
		return apperr.TooLarge("request body too large")
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.TooLarge("request body too large")
		}
		return apperr.Validationf(err, "invalid request body")
	}
	return nil
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		a.opts.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	} else {
		a.opts.Logger.Debug("request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, err)
}

func (a *API) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.opts.Logger.Error("handler panic", zap.Any("panic", rec), zap.Stack("stack"))
				writeError(w, apperr.Internal(nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *API) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.opts.Logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), errorBody{Error: apperr.Code(err), Message: apperr.Public(err)})
}

func writeUpgradeRequired(w http.ResponseWriter) {
	w.Header().Set("Upgrade", "websocket")
	writeJSON(w, http.StatusUpgradeRequired, errorBody{Error: "upgrade_required", Message: "websocket upgrade required"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid query parameter")
	}
	return n, nil
}
