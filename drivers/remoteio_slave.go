package drivers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

const remoteDioSlaveDriverName = "remotedio_slave"
const httpTimeoutsMs = 3000

// RemoteDioSlave exposes a local DioDevice to RemoteDIO clients.
type RemoteDioSlave struct {
	Token    string
	HttpAddr string

	device DioDevice
	ready  atomic.Bool
	server *http.Server

	serverErr chan error
}

func (ris *RemoteDioSlave) String() string {
	return remoteDioSlaveDriverName
}

func (ris *RemoteDioSlave) IsReady() bool {
	return ris.ready.Load()
}

// Handler returns the http handler serving device.
func (ris *RemoteDioSlave) Handler(device DioDevice) http.Handler {
	ris.device = device

	handler := httprouter.New()
	handler.GET("/dio/status", ris.authorized(ris.handleStatus))
	handler.POST("/dio/configure", ris.authorized(ris.handleConfigure))
	handler.POST("/dio/write", ris.authorized(ris.handleWrite))

	return handler
}

func (ris *RemoteDioSlave) Serve(ctx context.Context, device DioDevice) error {
	if !device.IsReady() {
		return errors.Errorf("remotedio slave: driver %s not ready", device)
	}

	httpTimeout := httpTimeoutsMs * time.Millisecond

	ris.server = &http.Server{
		Addr:              ris.HttpAddr,
		Handler:           ris.Handler(device),
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		WriteTimeout:      httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	ris.serverErr = make(chan error, 1)

	ris.ready.Store(true)
	go func() {
		ris.serverErr <- ris.server.ListenAndServe()
		ris.ready.Store(false)
	}()

	select {
	case <-ctx.Done():
		return ris.Close()
	case err := <-ris.serverErr:
		return err
	}
}

func (ris *RemoteDioSlave) Close() error {
	if ris.server == nil {
		return nil
	}
	return ris.server.Close()
}

func (ris *RemoteDioSlave) authorized(handle httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if !tokenMatches(r.Header.Get(remoteDioTokenHeader), ris.Token) {
			http.Error(w, "token mismatch", http.StatusUnauthorized)
			return
		}
		handle(w, r, p)
	}
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (ris *RemoteDioSlave) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := remoteDioStatus{
		Ready:   ris.device.IsReady() && ris.device.CheckConnection(),
		Outputs: ris.device.GetOutputs(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func decodeDioRequest(w http.ResponseWriter, r *http.Request) (request remoteDioRequest, ok bool) {
	err := json.NewDecoder(r.Body).Decode(&request)
	if err != nil {
		http.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
		return
	}
	ok = true
	return
}

func (ris *RemoteDioSlave) handleConfigure(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	request, ok := decodeDioRequest(w, r)
	if !ok {
		return
	}

	err := ris.device.ConfigureOutputs(request.Mask, request.Value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ris *RemoteDioSlave) handleWrite(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	request, ok := decodeDioRequest(w, r)
	if !ok {
		return
	}

	err := ris.device.Write(request.Value, request.Mask)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
