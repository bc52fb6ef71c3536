package api

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"
)

const previewTokenTTL = time.Hour

// GET /api/v1/preview/token
// Mints the query token the HLS proxy accepts. With no secret
// configured the playlist is open and no token is needed.
func (s *Server) handlePreviewToken(w http.ResponseWriter, r *http.Request) {
	if s.hlsTokens == nil {
		respondJSON(w, http.StatusOK, map[string]any{"token": "", "required": false})
		return
	}
	token, err := s.hlsTokens.GeneratePreviewToken(previewTokenTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"token": token, "required": true})
}

// GET /preview/*
// Proxies playlist and segment requests to the media server. Browsers
// pass the token as a query parameter since HLS players cannot set
// headers per segment.
func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	if s.hlsTokens != nil {
		if err := s.hlsTokens.ValidatePreviewToken(r.URL.Query().Get("token")); err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
	}
	if s.hlsProxy == nil {
		respondError(w, http.StatusServiceUnavailable, "media server not configured")
		return
	}
	s.hlsProxy.ServeHTTP(w, r)
}

func newHLSProxy(upstream string) *httputil.ReverseProxy {
	target, err := url.Parse(upstream)
	if err != nil || target.Host == "" {
		return nil
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		// The media server does not know about our tokens.
		q := req.URL.Query()
		q.Del("token")
		req.URL.RawQuery = q.Encode()
	}
	return proxy
}
