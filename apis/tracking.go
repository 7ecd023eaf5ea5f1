// Copyright 2021-2022 The walktrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/walktrack/common"
	"github.com/alwitt/walktrack/connection"
	"github.com/alwitt/walktrack/dispatch"
	"github.com/alwitt/walktrack/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// defaultRouteLimit max samples returned by one route query
const defaultRouteLimit = 1000

// ReadinessCheck reports whether the service dependencies are usable
type ReadinessCheck func(ctxt context.Context) error

// APIRestTrackingHandler REST handler for walk sessions, routes and the tracking socket
type APIRestTrackingHandler struct {
	goutils.RestAPIHandler
	baseContext  context.Context
	sessions     registry.SessionRegistry
	routes       dispatch.BackfillSource
	connections  connection.Manager
	ready        ReadinessCheck
	maxFrameSize int64
	writeWait    time.Duration
	validate     *validator.Validate
}

// GetAPIRestTrackingHandler define APIRestTrackingHandler
func GetAPIRestTrackingHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	trackingConfig *common.TrackingConfig,
	sessions registry.SessionRegistry,
	routes dispatch.BackfillSource,
	connections connection.Manager,
	ready ReadinessCheck,
) (APIRestTrackingHandler, error) {
	if sessions == nil || routes == nil || connections == nil {
		return APIRestTrackingHandler{}, fmt.Errorf(
			"session registry, route source and connection manager are required",
		)
	}
	logTags := log.Fields{"module": "apis", "component": "tracking"}
	return APIRestTrackingHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		baseContext:    baseContext,
		sessions:       sessions,
		routes:         routes,
		connections:    connections,
		ready:          ready,
		maxFrameSize:   trackingConfig.MaxFrameSize,
		writeWait:      connection.ConfigFromTracking(*trackingConfig).WriteWait,
		validate:       validator.New(),
	}, nil
}

// Write logging support
func (h APIRestTrackingHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// replyError log and respond with the status matching the error
func (h APIRestTrackingHandler) replyError(
	w http.ResponseWriter, r *http.Request, msg string, err error,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	respCode := errorToHTTPStatus(err)
	if respCode == http.StatusInternalServerError {
		log.WithError(err).WithFields(localLogTags).Error(msg)
	} else {
		log.WithError(err).WithFields(localLogTags).Info(msg)
	}
	if writeErr := h.WriteRESTResponse(
		w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()), nil,
	); writeErr != nil {
		log.WithError(writeErr).WithFields(localLogTags).Error("Failed to form response")
	}
}

// reply respond with 200
func (h APIRestTrackingHandler) reply(w http.ResponseWriter, r *http.Request, resp interface{}) {
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
			"Failed to form response",
		)
	}
}

func (h APIRestTrackingHandler) sessionIDFromPath(r *http.Request) (string, error) {
	sessionID, ok := mux.Vars(r)["sessionId"]
	if !ok || sessionID == "" {
		return "", common.ValidationErrorf("no session ID provided")
	}
	return sessionID, nil
}

func (h APIRestTrackingHandler) decodeBody(r *http.Request, body interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		return common.ValidationErrorf("unable to parse request body: %s", err.Error())
	}
	if err := h.validate.Struct(body); err != nil {
		return common.ValidationErrorf("%s", err.Error())
	}
	return nil
}

// =======================================================================
// Session lifecycle

// APIRestReqScheduleSession request to register a scheduled walk
type APIRestReqScheduleSession struct {
	// SessionID is the booking's session ID
	SessionID string `json:"session_id" validate:"required"`
	// WalkerID is the assigned walker
	WalkerID string `json:"walker_id" validate:"required"`
	// OwnerID is the dog owner
	OwnerID string `json:"owner_id" validate:"required"`
	// DogIDs are the dogs on the walk
	DogIDs []string `json:"dog_ids"`
	// ScheduledStart is the booked start time
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
}

// APIRestRespSession response carrying one session
type APIRestRespSession struct {
	goutils.RestAPIBaseResponse
	// Session the session
	Session common.WalkSession `json:"session"`
}

func (h APIRestTrackingHandler) sessionResponse(
	r *http.Request, session common.WalkSession,
) APIRestRespSession {
	return APIRestRespSession{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Session: session,
	}
}

// ScheduleSession godoc
// @Summary Register a scheduled walk
// @Description Register a walk session in the scheduled state
// @tags Session
// @Accept json
// @Produce json
// @Param Walktrack-Request-ID header string false "User provided request ID to match against logs"
// @Param setting body APIRestReqScheduleSession true "Session parameters"
// @Success 200 {object} APIRestRespSession "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session [post]
func (h APIRestTrackingHandler) ScheduleSession(w http.ResponseWriter, r *http.Request) {
	var params APIRestReqScheduleSession
	if err := h.decodeBody(r, &params); err != nil {
		h.replyError(w, r, "Invalid session parameters", err)
		return
	}
	session := common.WalkSession{
		SessionID: params.SessionID,
		WalkerID:  params.WalkerID,
		OwnerID:   params.OwnerID,
		DogIDs:    params.DogIDs,
	}
	if params.ScheduledStart != nil {
		session.ScheduledStart = *params.ScheduledStart
	}
	scheduled, err := h.sessions.ScheduleSession(r.Context(), session)
	if err != nil {
		h.replyError(w, r, "Unable to schedule session", err)
		return
	}
	h.reply(w, r, h.sessionResponse(r, scheduled))
}

// ScheduleSessionHandler Wrapper around ScheduleSession
func (h APIRestTrackingHandler) ScheduleSessionHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.ScheduleSession)
}

// -----------------------------------------------------------------------

// APIRestRespSessions response carrying multiple sessions
type APIRestRespSessions struct {
	goutils.RestAPIBaseResponse
	// Sessions the sessions
	Sessions []common.WalkSession `json:"sessions"`
}

// ListSessions godoc
// @Summary List sessions
// @Description List the known sessions, optionally filtered by state
// @tags Session
// @Produce json
// @Param state query string false "Session state filter"
// @Success 200 {object} APIRestRespSessions "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session [get]
func (h APIRestTrackingHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	state := common.SessionState(r.URL.Query().Get("state"))
	switch state {
	case "", common.SessionScheduled, common.SessionActive,
		common.SessionCompleted, common.SessionAborted:
	default:
		h.replyError(
			w, r, "Invalid state filter", common.ValidationErrorf("unknown state '%s'", state),
		)
		return
	}
	h.reply(w, r, APIRestRespSessions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Sessions: h.sessions.ListSessions(state),
	})
}

// ListSessionsHandler Wrapper around ListSessions
func (h APIRestTrackingHandler) ListSessionsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.ListSessions)
}

// -----------------------------------------------------------------------

// GetSession godoc
// @Summary Query one session
// @Description Query the state of one walk session
// @tags Session
// @Produce json
// @Param sessionId path string true "Session ID"
// @Success 200 {object} APIRestRespSession "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionId} [get]
func (h APIRestTrackingHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessionIDFromPath(r)
	if err != nil {
		h.replyError(w, r, "Invalid session ID", err)
		return
	}
	session, err := h.sessions.GetSession(sessionID)
	if err != nil {
		h.replyError(w, r, fmt.Sprintf("Unable to fetch session %s", sessionID), err)
		return
	}
	h.reply(w, r, h.sessionResponse(r, session))
}

// GetSessionHandler Wrapper around GetSession
func (h APIRestTrackingHandler) GetSessionHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetSession)
}

// -----------------------------------------------------------------------

// APIRestReqBeginSession request to start a scheduled walk
type APIRestReqBeginSession struct {
	// WalkerID is the walker starting the walk
	WalkerID string `json:"walker_id" validate:"required"`
	// OwnerID is the dog owner
	OwnerID string `json:"owner_id" validate:"required"`
	// DogIDs are the dogs on the walk. Not checked when empty.
	DogIDs []string `json:"dog_ids"`
}

// BeginSession godoc
// @Summary Start a walk
// @Description Transition a scheduled walk session to active
// @tags Session
// @Accept json
// @Produce json
// @Param sessionId path string true "Session ID"
// @Param setting body APIRestReqBeginSession true "Session participants"
// @Success 200 {object} APIRestRespSession "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionId}/begin [post]
func (h APIRestTrackingHandler) BeginSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessionIDFromPath(r)
	if err != nil {
		h.replyError(w, r, "Invalid session ID", err)
		return
	}
	var params APIRestReqBeginSession
	if err := h.decodeBody(r, &params); err != nil {
		h.replyError(w, r, "Invalid session parameters", err)
		return
	}
	session, err := h.sessions.BeginSession(
		r.Context(), sessionID, params.WalkerID, params.OwnerID, params.DogIDs,
	)
	if err != nil {
		h.replyError(w, r, fmt.Sprintf("Unable to begin session %s", sessionID), err)
		return
	}
	h.reply(w, r, h.sessionResponse(r, session))
}

// BeginSessionHandler Wrapper around BeginSession
func (h APIRestTrackingHandler) BeginSessionHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.BeginSession)
}

// -----------------------------------------------------------------------

// APIRestReqEndSession request to end a walk
type APIRestReqEndSession struct {
	// Reason is the terminal state
	Reason string `json:"reason" validate:"required,oneof=completed aborted"`
}

// EndSession godoc
// @Summary End a walk
// @Description Transition a walk session to completed or aborted
// @tags Session
// @Accept json
// @Produce json
// @Param sessionId path string true "Session ID"
// @Param setting body APIRestReqEndSession true "End reason"
// @Success 200 {object} APIRestRespSession "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionId}/end [post]
func (h APIRestTrackingHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessionIDFromPath(r)
	if err != nil {
		h.replyError(w, r, "Invalid session ID", err)
		return
	}
	var params APIRestReqEndSession
	if err := h.decodeBody(r, &params); err != nil {
		h.replyError(w, r, "Invalid end reason", err)
		return
	}
	session, err := h.sessions.EndSession(
		r.Context(), sessionID, common.SessionState(params.Reason),
	)
	if err != nil {
		h.replyError(w, r, fmt.Sprintf("Unable to end session %s", sessionID), err)
		return
	}
	h.reply(w, r, h.sessionResponse(r, session))
}

// EndSessionHandler Wrapper around EndSession
func (h APIRestTrackingHandler) EndSessionHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.EndSession)
}

// =======================================================================
// Route and connections

// APIRestRespRoute response carrying persisted samples
type APIRestRespRoute struct {
	goutils.RestAPIBaseResponse
	// SessionID the session
	SessionID string `json:"session_id"`
	// Samples ordered by sequence number
	Samples []common.LocationSample `json:"samples"`
}

func parseUintQuery(r *http.Request, name string, defaultValue uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, common.ValidationErrorf("query parameter %s='%s' is not a number", name, raw)
	}
	return value, nil
}

// GetRoute godoc
// @Summary Read a session's route
// @Description Read persisted samples with sequence number above since_seq
// @tags Route
// @Produce json
// @Param sessionId path string true "Session ID"
// @Param since_seq query integer false "Exclusive lower sequence bound"
// @Param limit query integer false "Max number of samples"
// @Success 200 {object} APIRestRespRoute "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionId}/route [get]
func (h APIRestTrackingHandler) GetRoute(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessionIDFromPath(r)
	if err != nil {
		h.replyError(w, r, "Invalid session ID", err)
		return
	}
	since, err := parseUintQuery(r, "since_seq", 0)
	if err != nil {
		h.replyError(w, r, "Invalid route query", err)
		return
	}
	limit, err := parseUintQuery(r, "limit", defaultRouteLimit)
	if err != nil || limit == 0 || limit > defaultRouteLimit {
		if err == nil {
			err = common.ValidationErrorf("limit must be in [1, %d]", defaultRouteLimit)
		}
		h.replyError(w, r, "Invalid route query", err)
		return
	}
	samples, err := h.routes.Backfill(r.Context(), sessionID, since, int(limit))
	if err != nil {
		h.replyError(w, r, fmt.Sprintf("Unable to read route of %s", sessionID), err)
		return
	}
	h.reply(w, r, APIRestRespRoute{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		SessionID: sessionID,
		Samples:   samples,
	})
}

// GetRouteHandler Wrapper around GetRoute
func (h APIRestTrackingHandler) GetRouteHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetRoute)
}

// -----------------------------------------------------------------------

// APIRestRespConnections response listing a session's live connections
type APIRestRespConnections struct {
	goutils.RestAPIBaseResponse
	// PublisherConnectionID the walker's connection, if connected
	PublisherConnectionID string `json:"publisher_connection_id,omitempty"`
	// Subscriptions the connected owners
	Subscriptions []connection.Subscription `json:"subscriptions"`
}

// GetConnections godoc
// @Summary List a session's live connections
// @Description List the walker connection and the owner subscriptions of a session
// @tags Session
// @Produce json
// @Param sessionId path string true "Session ID"
// @Success 200 {object} APIRestRespConnections "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionId}/connections [get]
func (h APIRestTrackingHandler) GetConnections(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessionIDFromPath(r)
	if err != nil {
		h.replyError(w, r, "Invalid session ID", err)
		return
	}
	if _, err := h.sessions.GetSession(sessionID); err != nil {
		h.replyError(w, r, fmt.Sprintf("Unable to fetch session %s", sessionID), err)
		return
	}
	publisher, _ := h.connections.Publisher(sessionID)
	h.reply(w, r, APIRestRespConnections{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		PublisherConnectionID: publisher,
		Subscriptions:         h.connections.Subscriptions(sessionID),
	})
}

// GetConnectionsHandler Wrapper around GetConnections
func (h APIRestTrackingHandler) GetConnectionsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetConnections)
}

// -----------------------------------------------------------------------

// Track godoc
// @Summary Tracking socket
// @Description Upgrade to a WebSocket carrying the hello / location / backfill protocol
// @tags Tracking
// @Router /v1/track [get]
func (h APIRestTrackingHandler) Track(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	transport, err := connection.UpgradeWebSocket(w, r, h.maxFrameSize, h.writeWait)
	if err != nil {
		// The upgrader has already responded
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}
	if err := h.connections.Serve(h.baseContext, transport); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Connection ended with error")
	}
}

// TrackHandler Wrapper around Track. The request logging middleware is skipped as the
// connection is hijacked.
func (h APIRestTrackingHandler) TrackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Track(w, r)
	}
}

// =======================================================================
// Health

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestTrackingHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestTrackingHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the route store and message bus are usable
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestTrackingHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.replyError(w, r, "not ready", err)
			return
		}
	}
	h.reply(w, r, h.GetStdRESTSuccessMsg(r.Context()))
}

// ReadyHandler Wrapper around Ready
func (h APIRestTrackingHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// DefineTrackingRouter register the tracking end-points under pathPrefix. metrics, if set,
// is served on /metrics.
func DefineTrackingRouter(
	httpHandler APIRestTrackingHandler, pathPrefix string, metrics http.Handler,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	sessionRouter := RegisterPathPrefix(mainRouter, "/v1/session", MethodHandlers{
		"post": httpHandler.ScheduleSessionHandler(),
		"get":  httpHandler.ListSessionsHandler(),
	})
	perSessionRouter := RegisterPathPrefix(sessionRouter, "/{sessionId}", MethodHandlers{
		"get": httpHandler.GetSessionHandler(),
	})
	_ = RegisterPathPrefix(perSessionRouter, "/begin", MethodHandlers{
		"post": httpHandler.BeginSessionHandler(),
	})
	_ = RegisterPathPrefix(perSessionRouter, "/end", MethodHandlers{
		"post": httpHandler.EndSessionHandler(),
	})
	_ = RegisterPathPrefix(perSessionRouter, "/route", MethodHandlers{
		"get": httpHandler.GetRouteHandler(),
	})
	_ = RegisterPathPrefix(perSessionRouter, "/connections", MethodHandlers{
		"get": httpHandler.GetConnectionsHandler(),
	})

	_ = RegisterPathPrefix(mainRouter, "/v1/track", MethodHandlers{
		"get": httpHandler.TrackHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})
	if metrics != nil {
		mainRouter.Path("/metrics").Methods("get").Handler(metrics)
	}
	return router
}
