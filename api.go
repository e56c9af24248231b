package stepkit

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

const apiTokenHeader = "stepkit-token"
const httpTimeout = 3 * time.Second

type apiError struct {
	Error string `json:"error"`
}

func writeJson(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func apiStatus(err error) int {
	switch {
	case errors.Is(err, ErrMotorNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ErrNotPositioning):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return http.StatusAccepted
	}
	return http.StatusInternalServerError
}

// Handler serves the motor control api.
func (sk *StepKit) Handler() http.Handler {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "api",
		Level:  log.GetLevel(),
	})

	router := httprouter.New()
	router.GET("/motors", sk.authorized(sk.handleList))
	router.GET("/motors/:name", sk.authorized(sk.withMotor(sk.handleStatus)))
	router.POST("/motors/:name/step/:direction/:steps", sk.authorized(sk.withMotor(sk.handleStep)))
	router.POST("/motors/:name/goto/:percent", sk.authorized(sk.withMotor(sk.handleGoTo)))
	router.POST("/motors/:name/off", sk.authorized(sk.withMotor(sk.handleOff)))
	router.POST("/motors/:name/stop", sk.authorized(sk.withMotor(sk.handleStop)))

	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		logger.Error("panic serving request", "path", r.URL.Path, "panic", v)
		writeJson(w, http.StatusInternalServerError, apiError{"internal error"})
	}

	return router
}

func (sk *StepKit) authorized(handle httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token := r.Header.Get(apiTokenHeader)
		if len(sk.HttpToken) > 0 && subtle.ConstantTimeCompare([]byte(token), []byte(sk.HttpToken)) != 1 {
			writeJson(w, http.StatusUnauthorized, apiError{"token mismatch"})
			return
		}
		handle(w, r, p)
	}
}

type motorHandle func(w http.ResponseWriter, r *http.Request, p httprouter.Params, motor *Motor)

func (sk *StepKit) withMotor(handle motorHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		motor, err := sk.FindMotor(p.ByName("name"))
		if err != nil {
			writeJson(w, apiStatus(err), apiError{err.Error()})
			return
		}
		handle(w, r, p, motor)
	}
}

func (sk *StepKit) handleList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	statuses := []MotorStatus{}
	for _, motor := range sk.Motors {
		statuses = append(statuses, motor.Status())
	}
	writeJson(w, http.StatusOK, statuses)
}

func (sk *StepKit) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params, motor *Motor) {
	writeJson(w, http.StatusOK, motor.Status())
}

func (sk *StepKit) respond(w http.ResponseWriter, motor *Motor, err error) {
	if err != nil {
		writeJson(w, apiStatus(err), apiError{err.Error()})
		return
	}
	writeJson(w, http.StatusOK, motor.Status())
}

func (sk *StepKit) handleStep(w http.ResponseWriter, r *http.Request, p httprouter.Params, motor *Motor) {
	dir, err := ParseDirection(p.ByName("direction"))
	if err != nil {
		writeJson(w, http.StatusBadRequest, apiError{err.Error()})
		return
	}
	steps, err := strconv.ParseUint(p.ByName("steps"), 10, 32)
	if err != nil {
		writeJson(w, http.StatusBadRequest, apiError{"invalid steps: " + p.ByName("steps")})
		return
	}

	// the move outlives the request, Stop or Close ends it early
	sk.respond(w, motor, motor.Move(context.Background(), dir, uint(steps)))
}

func (sk *StepKit) handleGoTo(w http.ResponseWriter, r *http.Request, p httprouter.Params, motor *Motor) {
	percent, err := strconv.Atoi(strings.TrimSuffix(p.ByName("percent"), "%"))
	if err != nil || percent < 0 || percent > 100 {
		writeJson(w, http.StatusBadRequest, apiError{"invalid percent: " + p.ByName("percent")})
		return
	}

	sk.respond(w, motor, motor.GoToPercent(context.Background(), percent))
}

func (sk *StepKit) handleOff(w http.ResponseWriter, r *http.Request, _ httprouter.Params, motor *Motor) {
	sk.respond(w, motor, motor.PowerOff())
}

func (sk *StepKit) handleStop(w http.ResponseWriter, r *http.Request, _ httprouter.Params, motor *Motor) {
	if !motor.Stop() {
		writeJson(w, http.StatusConflict, apiError{"motor is not moving"})
		return
	}
	writeJson(w, http.StatusAccepted, motor.Status())
}

// StartHttp serves the control api on HttpAddr until ctx is done.
func (sk *StepKit) StartHttp(ctx context.Context) error {
	if len(sk.HttpAddr) == 0 {
		return errors.New("http address not set")
	}

	server := &http.Server{
		Addr:              sk.HttpAddr,
		Handler:           sk.Handler(),
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	log.Info("http api started", "addr", sk.HttpAddr)

	select {
	case <-ctx.Done():
		return server.Close()
	case err := <-serverErr:
		return errors.Wrap(err, "http api stopped")
	}
}
