package rest

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/httputil"
	"github.com/meridianhq/meridian/pkg/search"
)

// principalHeader identifies the authenticated user. Authentication itself
// happens at the front proxy; this server trusts the header it injects.
const principalHeader = "X-Meridian-User"

func principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	username := r.Header.Get(principalHeader)
	if username == "" {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{
			Error: "missing " + principalHeader + " header",
			Kind:  "unauthorized",
		})
		return "", false
	}
	return username, true
}

func (s *Server) handleCreateApi(w http.ResponseWriter, r *http.Request) {
	username, ok := principal(w, r)
	if !ok {
		return
	}
	var newApi api.NewApi
	if !httputil.DecodeJSON(w, r, &newApi) {
		return
	}
	if newApi.Name == "" || newApi.Version == "" || newApi.ContextPath == "" || newApi.Endpoint == "" {
		httputil.WriteBadRequest(w, r, "name, version, context_path and endpoint are required")
		return
	}

	details, err := s.apis.Create(r.Context(), &newApi, username)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	w.Header().Set("Location", "/management/apis/"+details.ID)
	httputil.WriteJSON(w, http.StatusCreated, details)
}

func (s *Server) handleListApis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		list []*api.ApiDetails
		err  error
	)
	switch {
	case r.URL.Query().Get("user") != "":
		list, err = s.apis.FindByUser(ctx, r.URL.Query().Get("user"))
	case r.URL.Query().Get("visibility") != "":
		list, err = s.apis.FindByVisibility(ctx, api.Visibility(r.URL.Query().Get("visibility")))
	default:
		list, err = s.apis.FindAll(ctx)
	}
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetApi(w http.ResponseWriter, r *http.Request) {
	details, err := s.apis.FindByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, details)
}

func (s *Server) handleUpdateApi(w http.ResponseWriter, r *http.Request) {
	username, ok := principal(w, r)
	if !ok {
		return
	}
	var upd api.UpdateApi
	if !httputil.DecodeJSON(w, r, &upd) {
		return
	}
	if upd.Proxy.ContextPath == "" {
		httputil.WriteBadRequest(w, r, "proxy.context_path is required")
		return
	}

	details, err := s.apis.Update(r.Context(), mux.Vars(r)["id"], &upd, username)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, details)
}

func (s *Server) handleDeleteApi(w http.ResponseWriter, r *http.Request) {
	username, ok := principal(w, r)
	if !ok {
		return
	}
	deletions, err := s.apis.Delete(r.Context(), mux.Vars(r)["id"], username)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
		"keys":    deletions,
	})
}

func (s *Server) handleStartApi(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, s.apis.Start)
}

func (s *Server) handleStopApi(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, s.apis.Stop)
}

func (s *Server) handleDeployApi(w http.ResponseWriter, r *http.Request) {
	username, ok := principal(w, r)
	if !ok {
		return
	}
	eventType := api.EventPublishAPI
	if t := r.URL.Query().Get("type"); t != "" {
		switch api.EventType(t) {
		case api.EventPublishAPI, api.EventUnpublishAPI:
			eventType = api.EventType(t)
		default:
			httputil.WriteBadRequest(w, r, "type must be PUBLISH_API or UNPUBLISH_API")
			return
		}
	}
	details, err := s.apis.Deploy(r.Context(), mux.Vars(r)["id"], username, eventType)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, details)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, apiID, username string) (*api.ApiDetails, error)) {
	username, ok := principal(w, r)
	if !ok {
		return
	}
	details, err := op(r.Context(), mux.Vars(r)["id"], username)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, details)
}

func (s *Server) handleRollbackApi(w http.ResponseWriter, r *http.Request) {
	username, ok := principal(w, r)
	if !ok {
		return
	}
	var upd api.UpdateApi
	if !httputil.DecodeJSON(w, r, &upd) {
		return
	}
	details, err := s.apis.Rollback(r.Context(), mux.Vars(r)["id"], &upd, username)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, details)
}

func (s *Server) handleApiState(w http.ResponseWriter, r *http.Request) {
	apiID := mux.Vars(r)["id"]
	if _, err := s.apis.FindByID(r.Context(), apiID); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"api_id":       apiID,
		"synchronized": s.apis.IsSynchronized(r.Context(), apiID),
	})
}

func (s *Server) handleApiEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.apis.Events(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

func (s *Server) handleExportApi(w http.ResponseWriter, r *http.Request) {
	out, err := s.apis.ExportAsJSON(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="api.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) handleImportApi(w http.ResponseWriter, r *http.Request) {
	username, ok := principal(w, r)
	if !ok {
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, r, "failed to read body")
		return
	}
	details, err := s.apis.CreateOrUpdateWithDefinition(r.Context(), payload, username)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, details)
}

func (s *Server) handleApiPicture(w http.ResponseWriter, r *http.Request) {
	img, err := s.apis.Picture(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", img.Type)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Content)
}

type memberRequest struct {
	Username string             `json:"username"`
	Type     api.MembershipType `json:"type"`
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	role := api.MembershipType(r.URL.Query().Get("type"))
	members, err := s.members.Members(r.Context(), mux.Vars(r)["id"], role)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, members)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	var req memberRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Type == "" {
		httputil.WriteBadRequest(w, r, "username and type are required")
		return
	}
	if req.Type == api.MembershipPrimaryOwner {
		httputil.WriteBadRequest(w, r, "primary ownership cannot be granted through this endpoint")
		return
	}

	member, err := s.members.AddOrUpdateMember(r.Context(), mux.Vars(r)["id"], req.Username, req.Type)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, member)
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	member, err := s.members.Member(r.Context(), vars["id"], vars["username"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if member == nil {
		httputil.WriteError(w, r, api.NewMemberNotFound(vars["id"], vars["username"]))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, member)
}

func (s *Server) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	vars := mux.Vars(r)
	if err := s.members.DeleteMember(r.Context(), vars["id"], vars["username"]); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{
			Error: "search is not enabled",
			Kind:  "not_found",
		})
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		httputil.WriteBadRequest(w, r, "query parameter q is required")
		return
	}
	var kinds []search.SourceKind
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := search.ParseSourceKind(k)
		if err != nil {
			httputil.WriteBadRequest(w, r, err.Error())
			return
		}
		kinds = append(kinds, kind)
	}
	httputil.WriteJSON(w, http.StatusOK, s.searcher.Search(r.Context(), query, kinds...))
}
