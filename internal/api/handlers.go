// This file contains the HTTP API handlers for channel queries, event publishing and
// connection termination.
package api

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"

	"github.com/eleven-am/pondpush/internal/apps"
	"github.com/eleven-am/pondpush/internal/cache"
	"github.com/eleven-am/pondpush/internal/pusher"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

type channelResponse struct {
	SubscriptionCount int  `json:"subscription_count"`
	UserCount         *int `json:"user_count,omitempty"`
	Occupied          bool `json:"occupied"`
}

// event is one message a backend publishes.
type event struct {
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
}

// requestError is a validation failure answered with its status.
type requestError struct {
	status  int
	message string
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "OK",
		"peer":   s.deps.Broker.NodeID(),
	})
}

func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Broker.Closing() {
		writeError(w, http.StatusServiceUnavailable, "The server is closing. Choose another server. :)")

		return
	}
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) acceptTraffic(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Broker.Closing() {
		writeError(w, http.StatusServiceUnavailable, "The server is closing. Choose another server. :)")

		return
	}
	threshold := s.opts.AcceptTrafficMemoryPercent

	if threshold > 0 && s.opts.MemoryUsage() > threshold {
		writeError(w, http.StatusServiceUnavailable, "Low on memory here. Choose another server. :)")

		return
	}
	writeText(w, http.StatusOK, "OK")
}

// heapUsagePercent is the share of memory obtained from the OS that the
// heap currently uses.
func heapUsagePercent() float64 {
	var stats runtime.MemStats

	runtime.ReadMemStats(&stats)

	if stats.Sys == 0 {
		return 0
	}
	return float64(stats.HeapInuse) / float64(stats.Sys) * 100
}

func (s *Server) channels(w http.ResponseWriter, r *http.Request) {
	app := appFrom(r)
	prefix := r.URL.Query().Get("filter_by_prefix")
	counts := s.deps.Broker.Namespace(app.ID).ChannelsWithSocketsCount(r.Context(), false)

	channels := make(map[string]channelResponse, len(counts))

	for name, connections := range counts {
		if connections == 0 {
			continue
		}
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		channels[name] = channelResponse{SubscriptionCount: connections, Occupied: true}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": channels})
}

func (s *Server) channel(w http.ResponseWriter, r *http.Request) {
	app := appFrom(r)
	name := chi.URLParam(r, "channelName")
	ns := s.deps.Broker.Namespace(app.ID)

	count := ns.ChannelSocketsCount(r.Context(), name, false)
	response := channelResponse{SubscriptionCount: count, Occupied: count > 0}

	if pusher.IsPresenceChannel(name) {
		users := 0

		if count > 0 {
			users = ns.ChannelMembersCount(r.Context(), name, false)
		}
		response.UserCount = &users
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) channelUsers(w http.ResponseWriter, r *http.Request) {
	app := appFrom(r)
	name := chi.URLParam(r, "channelName")

	if !pusher.IsPresenceChannel(name) {
		writeError(w, http.StatusBadRequest, "The channel must be a presence channel.")

		return
	}
	members := s.deps.Broker.Namespace(app.ID).ChannelMembers(r.Context(), name, false)
	withInfo := r.URL.Query().Get("with_user_info") == "1"

	ids := make([]string, 0, len(members))

	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	users := make([]map[string]interface{}, 0, len(ids))

	for _, id := range ids {
		user := map[string]interface{}{"id": id}

		if withInfo {
			user["user_info"] = members[id]
		}
		users = append(users, user)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	app := appFrom(r)

	var ev event

	if err := json.Unmarshal(bodyFrom(r), &ev); err != nil {
		writeError(w, http.StatusBadRequest, "The received data is incorrect")

		return
	}
	if err := checkEvent(&ev, app); err != nil {
		writeError(w, err.status, err.message)

		return
	}
	if s.deps.Limiter != nil && !s.allow(w, s.deps.Limiter.ConsumeBackendEventPoints(len(ev.Channels), app)) {
		return
	}
	s.publish(r, app, ev)

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) batchEvents(w http.ResponseWriter, r *http.Request) {
	app := appFrom(r)

	var body struct {
		Batch []event `json:"batch"`
	}
	if err := json.Unmarshal(bodyFrom(r), &body); err != nil {
		writeError(w, http.StatusBadRequest, "The received data is incorrect")

		return
	}
	if len(body.Batch) > app.MaxEventBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Cannot batch-send more than %d messages at once", app.MaxEventBatchSize))

		return
	}
	points := 0

	for i := range body.Batch {
		if err := checkEvent(&body.Batch[i], app); err != nil {
			writeError(w, err.status, err.message)

			return
		}
		points += len(body.Batch[i].Channels)
	}
	if s.deps.Limiter != nil && !s.allow(w, s.deps.Limiter.ConsumeBackendEventPoints(points, app)) {
		return
	}
	for _, ev := range body.Batch {
		s.publish(r, app, ev)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) terminateUserConnections(w http.ResponseWriter, r *http.Request) {
	app := appFrom(r)

	s.deps.Broker.Namespace(app.ID).TerminateUserConnections(r.Context(), chi.URLParam(r, "userId"), false)

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// checkEvent validates ev against the app limits and folds channel into
// channels.
func checkEvent(ev *event, app *apps.App) *requestError {
	if (ev.Channel == "" && len(ev.Channels) == 0) || ev.Name == "" || len(ev.Data) == 0 {
		return &requestError{status: http.StatusBadRequest, message: "The received data is incorrect"}
	}
	if len(ev.Channels) == 0 {
		ev.Channels = []string{ev.Channel}
	}
	if len(ev.Channels) > app.MaxEventChannelsAtOnce {
		return &requestError{
			status:  http.StatusBadRequest,
			message: fmt.Sprintf("Cannot broadcast to more than %d channels at once", app.MaxEventChannelsAtOnce),
		}
	}
	if len(ev.Name) > app.MaxEventNameLength {
		return &requestError{
			status:  http.StatusBadRequest,
			message: fmt.Sprintf("Event name is too long. Maximum allowed size is %d.", app.MaxEventNameLength),
		}
	}
	if pusher.PayloadKilobytes(ev.Data) > app.MaxEventPayloadInKB {
		return &requestError{
			status:  http.StatusRequestEntityTooLarge,
			message: fmt.Sprintf("The event data should be less than %v KB.", app.MaxEventPayloadInKB),
		}
	}
	return nil
}

// publish broadcasts ev on each of its channels and remembers it on cache
// channels.
func (s *Server) publish(r *http.Request, app *apps.App, ev event) {
	ns := s.deps.Broker.Namespace(app.ID)

	for _, channel := range ev.Channels {
		msg := &pusher.Message{Event: ev.Name, Channel: channel, Data: ev.Data}

		ns.BroadcastMessage(r.Context(), channel, msg, ev.SocketID, false)

		if !pusher.IsCacheChannel(channel) || s.deps.Cache == nil {
			continue
		}
		cached, err := json.Marshal(map[string]interface{}{"event": msg.Event, "data": msg.Data})
		if err != nil {
			continue
		}
		if err := s.deps.Cache.Set(r.Context(), cache.ChannelKey(app.ID, channel), string(cached), s.opts.CacheTTL); err != nil {
			s.logger.Warn().Err(err).Str("app_id", app.ID).Str("channel", channel).Msg("failed to cache channel event")
		}
	}
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)

	_, _ = w.Write([]byte(text))
}
