package httpapi

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/lifecycle"
	"github.com/goliatone/go-integration-gateway/webhooks"
)

type handlers struct {
	services   Services
	successURL string
}

func (h *handlers) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: core.ErrorInvalidPayload})
			return
		}
		writeWebhookError(w, core.WrapError(err, core.ErrorInvalidPayload, "request body could not be read"))
		return
	}
	result, err := h.services.Webhooks.Receive(r.Context(), webhooks.Request{
		Provider:   chi.URLParam(r, "provider"),
		Body:       body,
		Headers:    flattenHeaders(r.Header),
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		writeWebhookError(w, err)
		return
	}
	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *handlers) authorize(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	response, err := h.services.Connections.Authorize(r.Context(), lifecycle.AuthorizeRequest{
		Provider:    chi.URLParam(r, "provider"),
		TenantID:    strings.TrimSpace(params.Get("tenant_id")),
		RedirectURI: strings.TrimSpace(params.Get("redirect_uri")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if params.Get("redirect") == "true" {
		http.Redirect(w, r, response.URL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *handlers) callback(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if providerErr := strings.TrimSpace(params.Get("error")); providerErr != "" {
		writeError(w, core.NewError(core.ErrorInvalidState, "authorization was denied").
			WithMetadata(map[string]any{"provider_error": providerErr}))
		return
	}
	conn, err := h.services.Connections.Callback(r.Context(), lifecycle.CallbackRequest{
		Provider: chi.URLParam(r, "provider"),
		Code:     strings.TrimSpace(params.Get("code")),
		State:    strings.TrimSpace(params.Get("state")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if target := h.successTarget(conn); target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, newConnectionView(conn))
}

type setupBody struct {
	TenantID    string `json:"tenantId"`
	Code        string `json:"code"`
	RedirectURI string `json:"redirectUri"`
	Key         string `json:"key"`
}

// setup runs Setup with an authorization code obtained outside the
// gateway, e.g. an app installation callback handled by the caller.
func (h *handlers) setup(w http.ResponseWriter, r *http.Request) {
	var body setupBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.TenantID) == "" || strings.TrimSpace(body.Code) == "" {
		writeError(w, core.NewError(core.ErrorBadInput, "tenantId and code are required"))
		return
	}
	conn, err := h.services.Connections.Setup(r.Context(), lifecycle.SetupRequest{
		Provider:    chi.URLParam(r, "provider"),
		TenantID:    body.TenantID,
		Code:        body.Code,
		RedirectURI: body.RedirectURI,
		Key:         body.Key,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newConnectionView(conn))
}

func (h *handlers) getConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.services.Connections.GetConnection(r.Context(), chi.URLParam(r, "connectionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newConnectionView(conn))
}

func (h *handlers) teardown(w http.ResponseWriter, r *http.Request) {
	conn, err := h.services.Connections.Teardown(r.Context(), lifecycle.TeardownRequest{
		Provider:     chi.URLParam(r, "provider"),
		ConnectionID: chi.URLParam(r, "connectionID"),
		Reason:       strings.TrimSpace(r.URL.Query().Get("reason")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newConnectionView(conn))
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	conn, err := h.services.Connections.Refresh(r.Context(), chi.URLParam(r, "connectionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newConnectionView(conn))
}

func (h *handlers) vendToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.services.Connections.VendToken(r.Context(), chi.URLParam(r, "connectionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenView{AccessToken: token.AccessToken, ExpiresAt: token.ExpiresAt})
}

func (h *handlers) listResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.services.Connections.ListResources(r.Context(), chi.URLParam(r, "connectionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]resourceView, 0, len(resources))
	for _, resource := range resources {
		views = append(views, newResourceView(resource))
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": views})
}

type linkBody struct {
	ResourceID  string `json:"resourceId"`
	DisplayName string `json:"displayName"`
}

func (h *handlers) linkResource(w http.ResponseWriter, r *http.Request) {
	var body linkBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	resource, err := h.services.Connections.LinkResource(r.Context(), lifecycle.LinkResourceRequest{
		ConnectionID: chi.URLParam(r, "connectionID"),
		ResourceID:   body.ResourceID,
		DisplayName:  body.DisplayName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newResourceView(resource))
}

func (h *handlers) unlinkResource(w http.ResponseWriter, r *http.Request) {
	err := h.services.Connections.UnlinkResource(r.Context(), chi.URLParam(r, "connectionID"), chi.URLParam(r, "resourceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	health := h.services.Admin.Health(r.Context())
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *handlers) rebuildIndex(w http.ResponseWriter, r *http.Request) {
	result, err := h.services.Admin.RebuildRoutingIndex(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	letters, err := h.services.Admin.ListDeadLetters(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if letters == nil {
		letters = []core.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": letters})
}

type replayBody struct {
	IDs             []string `json:"ids"`
	Provider        string   `json:"provider"`
	Reason          string   `json:"reason"`
	Limit           int      `json:"limit"`
	IncludeReplayed bool     `json:"includeReplayed"`
}

func (h *handlers) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	var body replayBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	filter := core.DeadLetterFilter{
		IDs:             body.IDs,
		Provider:        strings.TrimSpace(body.Provider),
		Reason:          core.DeadLetterReason(strings.TrimSpace(body.Reason)),
		IncludeReplayed: body.IncludeReplayed,
		Limit:           body.Limit,
	}
	if err := validateFilter(filter); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.services.Admin.ReplayDeadLetters(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) resolveRoute(w http.ResponseWriter, r *http.Request) {
	route, ok, err := h.services.Routes.Resolve(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "resourceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, core.NewError(core.ErrorNotFound, "route not found"))
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (h *handlers) listAttributions(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	tenantID := strings.TrimSpace(params.Get("tenant_id"))
	correlationKey := strings.TrimSpace(params.Get("correlation_key"))
	if tenantID == "" || correlationKey == "" {
		writeError(w, core.NewError(core.ErrorBadInput, "tenant_id and correlation_key are required"))
		return
	}
	attributions, err := h.services.Attributions.List(r.Context(), tenantID, correlationKey)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]attributionView, 0, len(attributions))
	for _, attribution := range attributions {
		views = append(views, newAttributionView(attribution))
	}
	writeJSON(w, http.StatusOK, map[string]any{"attributions": views})
}

func (h *handlers) successTarget(conn core.Connection) string {
	target := strings.TrimSpace(h.successURL)
	if target == "" {
		return ""
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return ""
	}
	values := parsed.Query()
	values.Set("connection_id", conn.ID)
	values.Set("provider", conn.Provider)
	parsed.RawQuery = values.Encode()
	return parsed.String()
}

func filterFromQuery(params url.Values) (core.DeadLetterFilter, error) {
	filter := core.DeadLetterFilter{
		Provider:        strings.TrimSpace(params.Get("provider")),
		Reason:          core.DeadLetterReason(strings.TrimSpace(params.Get("reason"))),
		IncludeReplayed: params.Get("include_replayed") == "true",
	}
	if ids := strings.TrimSpace(params.Get("ids")); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filter.IDs = append(filter.IDs, id)
			}
		}
	}
	if raw := strings.TrimSpace(params.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return core.DeadLetterFilter{}, core.WrapError(err, core.ErrorBadInput, "limit must be a number")
		}
		filter.Limit = limit
	}
	return filter, validateFilter(filter)
}

func validateFilter(filter core.DeadLetterFilter) error {
	if filter.Limit < 0 {
		return core.NewError(core.ErrorBadInput, "limit must not be negative")
	}
	switch filter.Reason {
	case "", core.DeadLetterUnresolvable, core.DeadLetterDeliveryFailed:
		return nil
	default:
		return core.NewError(core.ErrorBadInput, "reason must be unresolvable or delivery_failed")
	}
}

// flattenHeaders keeps the first value of every header under its
// lower-cased name.
func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		out[strings.ToLower(name)] = values[0]
	}
	return out
}
