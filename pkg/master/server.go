package master

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"strata/pkg/auth"
	"strata/pkg/protocol"
)

type httpState struct {
	server   *http.Server
	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Start binds the listener and begins serving. With auth enabled the listener
// requires a client certificate signed by the cluster CA; identity is then
// recovered from the verified leaf per request.
func (m *Master) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.PathDaemonRegister, m.handleRegister)
	mux.HandleFunc(protocol.PathDaemonHeartbeat, m.handleHeartbeat)
	mux.HandleFunc(protocol.PathDaemonDrain, m.handleDrain)
	mux.HandleFunc(protocol.PathDaemonReweight, m.handleReweight)
	mux.HandleFunc(protocol.PathClientAuthorize, m.handleAuthorize)
	mux.HandleFunc(protocol.PathPoolCreate, m.handlePoolCreate)
	mux.HandleFunc(protocol.PathKeyRotate, m.handleKeyRotate)
	mux.HandleFunc(protocol.PathPGBackfilled, m.handleBackfilled)
	mux.HandleFunc(protocol.PathStatus, m.handleStatus)

	listener, err := net.Listen("tcp", m.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.Address, err)
	}

	if m.authConfig != nil && m.authConfig.Enabled {
		builder, err := auth.NewTLSConfigBuilder(m.authConfig)
		if err != nil {
			listener.Close()
			return err
		}
		tlsConfig, err := builder.BuildServerConfig()
		if err != nil {
			listener.Close()
			return err
		}
		listener = tls.NewListener(listener, tlsConfig)
		m.logger.Info("master TLS enabled")
	}

	m.listener = listener
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("master server failed", zap.Error(err))
		}
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()

	m.logger.Info("master listening", zap.String("address", m.Addr()))
	return nil
}

// Addr returns the bound listen address.
func (m *Master) Addr() string {
	return m.listener.Addr().String()
}

func (m *Master) Stop(ctx context.Context) error {
	close(m.stopCh)
	err := m.server.Shutdown(ctx)
	m.registry.Stop()
	m.wg.Wait()
	return err
}

// identity recovers the caller's identity from the verified peer certificate,
// or from the declared name when the cluster runs without TLS.
func (m *Master) identity(r *http.Request, fallbackType auth.ComponentType, name string) (*auth.Identity, error) {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return auth.IdentityFromCert(r.TLS.PeerCertificates[0])
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no certificate and no declared name", auth.ErrUnauthorized)
	}
	return auth.InsecureIdentity(fallbackType, name), nil
}

func (m *Master) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if !decode(w, r, &req) {
		return
	}

	identity, err := m.identity(r, auth.ComponentDaemon, req.Name)
	if err != nil {
		writeError(w, http.StatusUnauthorized, protocol.ErrorTypeAuth, err.Error())
		return
	}

	resp, err := m.RegisterDaemon(identity, &req)
	if err != nil {
		writeError(w, http.StatusForbidden, protocol.ErrorTypeAuth, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (m *Master) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if !decode(w, r, &req) {
		return
	}

	resp, err := m.Heartbeat(&req)
	if err != nil {
		writeError(w, http.StatusNotFound, protocol.ErrorTypeUnknownDaemon, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (m *Master) handleDrain(w http.ResponseWriter, r *http.Request) {
	var req protocol.DrainRequest
	if !decode(w, r, &req) {
		return
	}

	if err := m.Drain(&req); err != nil {
		writeError(w, http.StatusNotFound, protocol.ErrorTypeUnknownDaemon, err.Error())
		return
	}
	writeJSON(w, struct{}{})
}

func (m *Master) handleReweight(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReweightRequest
	if !decode(w, r, &req) {
		return
	}

	if err := m.Reweight(&req); err != nil {
		writeError(w, http.StatusNotFound, protocol.ErrorTypeUnknownDaemon, err.Error())
		return
	}
	writeJSON(w, struct{}{})
}

func (m *Master) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req protocol.AuthorizeRequest
	if !decode(w, r, &req) {
		return
	}

	identity, err := m.identity(r, auth.ComponentClient, req.Subject)
	if err != nil {
		writeError(w, http.StatusUnauthorized, protocol.ErrorTypeAuth, err.Error())
		return
	}

	resp, err := m.Authorize(identity, &req)
	if err != nil {
		writeError(w, http.StatusNotFound, protocol.ErrorTypeUnknownPool, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (m *Master) handlePoolCreate(w http.ResponseWriter, r *http.Request) {
	var req protocol.PoolCreateRequest
	if !decode(w, r, &req) {
		return
	}

	resp, err := m.CreatePool(&req)
	if err != nil {
		status, errType := http.StatusBadRequest, protocol.ErrorTypeInternal
		if strings.Contains(err.Error(), "already exists") {
			status, errType = http.StatusConflict, protocol.ErrorTypeConflict
		}
		writeError(w, status, errType, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (m *Master) handleKeyRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := m.RotateKey(); err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrorTypeInternal, err.Error())
		return
	}
	writeJSON(w, struct{}{})
}

func (m *Master) handleBackfilled(w http.ResponseWriter, r *http.Request) {
	var req protocol.BackfilledRequest
	if !decode(w, r, &req) {
		return
	}

	if err := m.BackfillDone(&req); err != nil {
		writeError(w, http.StatusNotFound, protocol.ErrorTypeUnknownPool, err.Error())
		return
	}
	writeJSON(w, struct{}{})
}

func (m *Master) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.Status())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrorTypeInternal, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{ErrorType: errType, Message: msg})
}
