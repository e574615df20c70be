package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/zot/scholar-hub/internal/auth"
	"github.com/zot/scholar-hub/internal/contentstore"
	"github.com/zot/scholar-hub/internal/errs"
)

const maxUploadBytes = 32 << 20

type claimsKey struct{}

// StoreContentRequest is the body of POST /api/content.
type StoreContentRequest struct {
	Data     json.RawMessage   `json:"data"`
	Type     string            `json:"type,omitempty"`
	Author   string            `json:"author,omitempty"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Pin      *bool             `json:"pin,omitempty"`
}

// StoreDocumentRequest is the body of POST /api/documents.
type StoreDocumentRequest struct {
	Name     string            `json:"name"`
	Content  string            `json:"content"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) routeAPI(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireToken)
	api.HandleFunc("/content", s.handleStoreContent).Methods(http.MethodPost)
	api.HandleFunc("/documents", s.handleStoreDocument).Methods(http.MethodPost)
	api.HandleFunc("/content/{hash}", s.handleGetContent).Methods(http.MethodGet)
	api.HandleFunc("/pins", s.handleListPins).Methods(http.MethodGet)
	api.HandleFunc("/pins/{hash}", s.handlePin).Methods(http.MethodPut)
	api.HandleFunc("/pins/{hash}", s.handleUnpin).Methods(http.MethodDelete)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.verifier.Verify(auth.TokenFromRequest(r))
		if err == nil {
			err = s.activeUser(r.Context(), claims.User())
		}
		if err != nil {
			if s.metrics != nil && errors.Is(err, errs.ErrAuthentication) {
				s.metrics.AuthFailures.Inc()
			}
			s.apiFailed(r, err)
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// activeUser rejects tokens whose user has since been removed or deactivated.
func (s *Server) activeUser(ctx context.Context, userID string) error {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolving user: %w", err)
	}
	if user == nil || !user.Active {
		return fmt.Errorf("user %s missing or inactive: %w", userID, errs.ErrAuthentication)
	}
	return nil
}

func requestUser(r *http.Request) string {
	if claims, ok := r.Context().Value(claimsKey{}).(*auth.Claims); ok {
		return claims.User()
	}
	return ""
}

func (s *Server) handleStoreContent(w http.ResponseWriter, r *http.Request) {
	var req StoreContentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Data) == 0 {
		writeError(w, fmt.Errorf("data required: %w", errs.ErrValidation))
		return
	}
	if req.Author == "" {
		req.Author = requestUser(r)
	}
	var opts []contentstore.StoreOption
	if req.Pin != nil && !*req.Pin {
		opts = append(opts, contentstore.WithoutPin())
	}
	result, err := s.content.StoreEnvelope(r.Context(), req.Data, contentstore.Metadata{
		Type:    req.Type,
		Author:  req.Author,
		Version: req.Version,
		Extra:   req.Metadata,
	}, opts...)
	if err != nil {
		s.apiFailed(r, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleStoreDocument(w http.ResponseWriter, r *http.Request) {
	var req StoreDocumentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.content.StoreVersionedDocument(r.Context(), req.Name, []byte(req.Content), contentstore.Metadata{
		Author:  requestUser(r),
		Version: req.Version,
		Extra:   req.Metadata,
	})
	if err != nil {
		s.apiFailed(r, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleGetContent streams the raw object, or with ?envelope=true decodes
// it as an envelope.
func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if r.URL.Query().Get("envelope") == "true" {
		env, err := s.content.GetEnvelope(r.Context(), hash)
		if err != nil {
			s.apiFailed(r, err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, env)
		return
	}
	data, err := s.content.Get(r.Context(), hash)
	if err != nil {
		s.apiFailed(r, err)
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	if err := s.content.Pin(r.Context(), mux.Vars(r)["hash"]); err != nil {
		s.apiFailed(r, err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnpin(w http.ResponseWriter, r *http.Request) {
	if err := s.content.Unpin(r.Context(), mux.Vars(r)["hash"]); err != nil {
		s.apiFailed(r, err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPins(w http.ResponseWriter, r *http.Request) {
	pins, err := s.content.ListPinned(r.Context())
	if err != nil {
		s.apiFailed(r, err)
		writeError(w, err)
		return
	}
	if pins == nil {
		pins = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"pins": pins})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.content.Stats(r.Context())
	if err != nil {
		s.apiFailed(r, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleHealth needs no token.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	connected := s.content.Connected()
	if !connected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"content":  connected,
		"sessions": len(s.presence.OnlineUsers()),
	})
}

func (s *Server) apiFailed(r *http.Request, err error) {
	if errs.Code(err) == errs.CodeInternal {
		s.log.Error("api request failed", zap.String("path", r.URL.Path), zap.Error(err))
		return
	}
	s.log.Debug("api request rejected", zap.String("path", r.URL.Path), zap.Error(err))
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", errs.ErrValidation)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := errs.Code(err)
	message := err.Error()
	if code == errs.CodeInternal {
		message = "internal error"
	}
	writeJSON(w, errs.HTTPStatus(err), errorBody{Code: code, Message: message})
}
