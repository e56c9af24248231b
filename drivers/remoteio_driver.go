package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const remoteDioDriverName = "remotedio"
const remoteDioNetClientTimeout = 2 * time.Second
const remoteDioTokenHeader = "stepkit-token"

type remoteDioStatus struct {
	Ready   bool   `json:"ready"`
	Outputs uint16 `json:"outputs"`
}

type remoteDioRequest struct {
	Mask  uint16 `json:"mask"`
	Value uint16 `json:"value"`
}

// RemoteDIO forwards every operation to a RemoteDioSlave over HTTP.
type RemoteDIO struct {
	Host       string
	Token      string
	DriverName string

	hostUrl   *url.URL
	netClient *http.Client
	outputs   uint16
	isReady   bool
	lock      sync.Mutex
}

func (rio *RemoteDIO) do(method, path string, body interface{}) (response *http.Response, err error) {
	reqUrl, err := rio.hostUrl.Parse(path)
	if err != nil {
		err = errors.Wrapf(err, "RemoteDIO error parsing url (%s)", path)
		return
	}

	var bodyReader io.Reader
	if body != nil {
		b, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			err = errors.Wrap(marshalErr, "RemoteDIO error encoding request")
			return
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, reqUrl.String(), bodyReader)
	if err != nil {
		err = errors.Wrap(err, "RemoteDIO error preparing request")
		return
	}
	req.Header.Add(remoteDioTokenHeader, rio.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	response, err = rio.netClient.Do(req)
	return
}

func (rio *RemoteDIO) post(path string, request remoteDioRequest) error {
	response, err := rio.do(http.MethodPost, path, request)
	if err != nil {
		return errors.Wrapf(err, "RemoteDIO %s request failed", path)
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 {
		msg, _ := io.ReadAll(response.Body)
		return errors.Errorf("RemoteDIO %s failed (response code: %d): %s", path, response.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

func (rio *RemoteDIO) status() (status remoteDioStatus, err error) {
	response, err := rio.do(http.MethodGet, "dio/status", nil)
	if err != nil {
		err = errors.Wrap(err, "RemoteDIO status request failed")
		return
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 {
		err = errors.Errorf("RemoteDIO status failed (response code: %d)", response.StatusCode)
		return
	}

	err = json.NewDecoder(response.Body).Decode(&status)
	if err != nil {
		err = errors.Wrap(err, "RemoteDIO decoding status failed")
	}
	return
}

func (rio *RemoteDIO) Setup(ctx context.Context) (err error) {
	rio.lock.Lock()
	defer rio.lock.Unlock()

	rio.hostUrl, err = url.Parse(rio.Host)
	if err != nil {
		return errors.Wrap(err, "RemoteDIO failed to parse Host url")
	}
	rio.netClient = &http.Client{
		Timeout: remoteDioNetClientTimeout,
	}

	status, err := rio.status()
	if err != nil {
		return errors.Wrap(err, "RemoteDIO Setup")
	}
	if !status.Ready {
		return errors.New("RemoteDIO Setup: remote device not ready")
	}

	rio.isReady = true
	return nil
}

func (rio *RemoteDIO) CheckConnection() bool {
	rio.lock.Lock()
	defer rio.lock.Unlock()

	if rio.hostUrl == nil {
		return false
	}
	status, err := rio.status()
	return err == nil && status.Ready
}

func (rio *RemoteDIO) ConfigureOutputs(mask uint16, initial uint16) error {
	rio.lock.Lock()
	defer rio.lock.Unlock()

	if !rio.isReady {
		return errors.New("RemoteDIO not ready")
	}

	err := rio.post("dio/configure", remoteDioRequest{Mask: mask, Value: initial})
	if err != nil {
		return err
	}
	rio.outputs |= mask
	return nil
}

func (rio *RemoteDIO) Write(value uint16, mask uint16) error {
	rio.lock.Lock()
	defer rio.lock.Unlock()

	if !rio.isReady {
		return errors.New("RemoteDIO not ready")
	}
	if err := checkWriteMask(mask, rio.outputs); err != nil {
		return errors.Wrap(err, "RemoteDIO")
	}

	return rio.post("dio/write", remoteDioRequest{Mask: mask, Value: value})
}

func (rio *RemoteDIO) GetOutputs() uint16 {
	rio.lock.Lock()
	defer rio.lock.Unlock()

	return rio.outputs
}

func (rio *RemoteDIO) Close() (err error) {
	rio.lock.Lock()
	defer rio.lock.Unlock()

	rio.isReady = false
	return
}

func (rio *RemoteDIO) String() string {
	if len(rio.DriverName) > 0 {
		return rio.DriverName
	}
	return remoteDioDriverName
}

func (rio *RemoteDIO) IsReady() bool {
	rio.lock.Lock()
	defer rio.lock.Unlock()

	return rio.isReady
}
