// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"io"
	"net/http"

	"github.com/eiamhq/eiam/pkg/authserver/clientauth"
	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
)

// Headers set on requests forwarded to the token service. Inbound values are
// always stripped.
const (
	HeaderClientID         = "X-Eiam-Client-Id"
	HeaderClientAuthMethod = "X-Eiam-Client-Auth-Method"
)

// ClientAuthentication authenticates the client of a POST request and stores
// the result in the request context. Requests without client credentials
// continue anonymously; the downstream endpoint decides whether that is
// acceptable.
func (h *Handler) ClientAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		req.Header.Del(HeaderClientID)
		req.Header.Del(HeaderClientAuthMethod)
		req.Header.Del(HeaderCodeSubject)

		if req.Method != http.MethodPost {
			next.ServeHTTP(w, req)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxFormBytes))
		if err != nil {
			oautherr.WriteJSON(w, oautherr.New(oautherr.KindInvalidRequest, "", "request body too large"), h.realm())
			return
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		if err := req.ParseForm(); err != nil {
			oautherr.WriteJSON(w, oautherr.New(oautherr.KindInvalidRequest, "", "malformed form body"), h.realm())
			return
		}
		// The token service reads the body again.
		req.Body = io.NopCloser(bytes.NewReader(body))

		res, err := h.pipeline.Authenticate(req.Context(), req)
		if err != nil {
			if oautherr.Is(err, oautherr.KindServerError) {
				h.logger.Error("client authentication failed", "path", req.URL.Path, "error", err)
			}
			oautherr.WriteJSON(w, err, h.realm())
			return
		}

		if !res.Anonymous() {
			req.Header.Set(HeaderClientID, res.ClientID())
			req.Header.Set(HeaderClientAuthMethod, string(res.Method))
		}
		next.ServeHTTP(w, req.WithContext(clientauth.WithResult(req.Context(), res)))
	})
}
