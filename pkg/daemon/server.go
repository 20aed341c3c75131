package daemon

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"strata/pkg/auth"
	"strata/pkg/protocol"
)

type serverState struct {
	clientSrv *http.Server
	peerSrv   *http.Server
	clientLn  net.Listener
	peerLn    net.Listener
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// startServers opens the two listeners: the client channel for object
// operations and the peer channel for replication and rebalance traffic.
// With auth enabled both require certificates from the cluster CA.
func (d *Daemon) startServers() error {
	clientMux := http.NewServeMux()
	clientMux.HandleFunc(protocol.PathObjectWrite, d.handleWrite)
	clientMux.HandleFunc(protocol.PathObjectRead, d.handleRead)
	clientMux.HandleFunc(protocol.PathObjectDelete, d.handleDelete)

	peerMux := http.NewServeMux()
	peerMux.HandleFunc(protocol.PathPGManifest, d.handleManifest)
	peerMux.HandleFunc(protocol.PathPGPull, d.handlePull)
	peerMux.HandleFunc(protocol.PathPGReplicate, d.handleReplicate)

	var serverTLS *tls.Config
	if d.authConfig != nil && d.authConfig.Enabled {
		builder, err := auth.NewTLSConfigBuilder(d.authConfig)
		if err != nil {
			return err
		}
		serverTLS, err = builder.BuildServerConfig()
		if err != nil {
			return err
		}
	}

	var err error
	d.clientLn, d.clientSrv, err = d.listen(d.cfg.Address, clientMux, serverTLS)
	if err != nil {
		return err
	}
	d.peerLn, d.peerSrv, err = d.listen(d.cfg.PeerAddress, peerMux, serverTLS)
	if err != nil {
		d.clientLn.Close()
		return err
	}
	return nil
}

func (d *Daemon) listen(address string, mux *http.ServeMux, tlsConfig *tls.Config) (net.Listener, *http.Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("daemon server failed", zap.Error(err))
		}
	}()
	return listener, srv, nil
}

func (d *Daemon) shutdownServers(ctx context.Context) error {
	var err error
	if d.clientSrv != nil {
		err = d.clientSrv.Shutdown(ctx)
	}
	if d.peerSrv != nil {
		if perr := d.peerSrv.Shutdown(ctx); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// Addr returns the bound client-channel address.
func (d *Daemon) Addr() string {
	return d.clientLn.Addr().String()
}

// PeerAddr returns the bound peer-channel address.
func (d *Daemon) PeerAddr() string {
	return d.peerLn.Addr().String()
}

func (d *Daemon) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req protocol.WriteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	respondJSON(w, d.Write(&req))
}

func (d *Daemon) handleRead(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	respondJSON(w, d.Read(&req))
}

func (d *Daemon) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	respondJSON(w, d.Delete(&req))
}

func (d *Daemon) handleManifest(w http.ResponseWriter, r *http.Request) {
	var req protocol.ManifestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	entries, err := d.store.Manifest(req.Pool, req.PG)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, protocol.ErrorTypeInternal, err.Error())
		return
	}
	respondJSON(w, &protocol.ManifestResponse{Entries: entries})
}

func (d *Daemon) handlePull(w http.ResponseWriter, r *http.Request) {
	var req protocol.PullRequest
	if !decodeBody(w, r, &req) {
		return
	}
	data, err := d.store.ReadAll(req.Pool, req.PG, req.Object)
	if errors.Is(err, ErrObjectNotFound) {
		respondJSON(w, &protocol.PullResponse{Found: false})
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, protocol.ErrorTypeInternal, err.Error())
		return
	}
	respondJSON(w, &protocol.PullResponse{Found: true, Data: data})
}

func (d *Daemon) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReplicateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	respondJSON(w, d.Replicate(&req))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIError(w, http.StatusBadRequest, protocol.ErrorTypeInternal, "malformed request body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{ErrorType: errType, Message: msg})
}
