package drivers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const validToken = "==this-token-should-be-valid=="

func makeTestRemoteServer(t *testing.T, device DioDevice) *httptest.Server {
	t.Helper()

	slave := &RemoteDioSlave{Token: validToken}
	server := httptest.NewServer(slave.Handler(device))
	t.Cleanup(server.Close)
	return server
}

func TestRemoteDioSetup(t *testing.T) {
	badRequestServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer badRequestServer.Close()

	remoteBad := RemoteDIO{
		Host:  badRequestServer.URL,
		Token: "not important now",
	}
	err := remoteBad.Setup(context.Background())
	if err == nil {
		t.Error("error expected, got nil")
	}
	assertBools(t, remoteBad.IsReady(), false)

	okServer := makeTestRemoteServer(t, readyMock(t))
	remote := RemoteDIO{
		Host:  okServer.URL,
		Token: validToken,
	}
	err = remote.Setup(context.Background())
	if err != nil {
		t.Errorf("received error: %v", err)
	}
	assertBools(t, remote.IsReady(), true)

	notReadyServer := makeTestRemoteServer(t, &MockDIO{})
	remote.Host = notReadyServer.URL
	err = remote.Setup(context.Background())
	if err == nil {
		t.Error("expected error on remote with not ready device")
	}

	remote.Host = okServer.URL
	remote.Token = "not valid"
	err = remote.Setup(context.Background())
	if err == nil {
		t.Error("expected error with invalid token")
	}
}

func TestRemoteDioCheckConnection(t *testing.T) {
	mock := readyMock(t)
	server := makeTestRemoteServer(t, mock)
	remote := RemoteDIO{Host: server.URL, Token: validToken}

	assertBools(t, remote.CheckConnection(), false)

	if err := remote.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned err: %v", err)
	}
	assertBools(t, remote.CheckConnection(), true)

	mock.Unreachable = true
	assertBools(t, remote.CheckConnection(), false)
}

func TestRemoteDioWrite(t *testing.T) {
	mock := readyMock(t)
	server := makeTestRemoteServer(t, mock)
	remote := RemoteDIO{Host: server.URL, Token: validToken}
	if err := remote.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned err: %v", err)
	}

	err := remote.Write(0x0060, 0x00f0)
	if err == nil {
		t.Error("expected error writing lines not configured as outputs")
	}

	err = remote.ConfigureOutputs(0x00f0, 0x00f0)
	if err != nil {
		t.Fatalf("ConfigureOutputs returned err: %v", err)
	}
	assertUint16(t, remote.GetOutputs(), 0x00f0)
	assertUint16(t, mock.GetOutputs(), 0x00f0)
	assertUint16(t, mock.State(), 0x00f0)

	err = remote.Write(0x0060, 0x00f0)
	if err != nil {
		t.Errorf("Write returned err: %v", err)
	}
	assertUint16(t, mock.State(), 0x0060)

	mock.WriteErr = errors.New("bus fault")
	err = remote.Write(0x0000, 0x00f0)
	if err == nil {
		t.Error("expected remote write to surface device error")
	}
	assertUint16(t, mock.State(), 0x0060)
}

func TestRemoteDioSlaveMalformedRequest(t *testing.T) {
	server := makeTestRemoteServer(t, readyMock(t))

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/dio/write", nil)
	req.Header.Set(remoteDioTokenHeader, validToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestMapAllDioDrivers(t *testing.T) {
	mapped := MapAllDioDrivers()

	for _, name := range []string{"gpio", "mcpio", "mock_driver", "remotedio"} {
		driver, found := mapped[name]
		if !found {
			t.Errorf("driver %s not mapped", name)
			continue
		}
		if driver.String() != name {
			t.Errorf("got %s want %s", driver.String(), name)
		}
	}
}

func TestRemoteDioSlaveTokenCaseSensitive(t *testing.T) {
	server := makeTestRemoteServer(t, readyMock(t))

	remote := RemoteDIO{Host: server.URL, Token: strings.ToUpper(validToken)}
	err := remote.Setup(context.Background())
	if err == nil {
		t.Error("expected error with token differing only in case")
	}
	assertBools(t, remote.IsReady(), false)
}

func TestRemoteDioSlaveConcurrentClients(t *testing.T) {
	mock := readyMock(t)
	server := makeTestRemoteServer(t, mock)

	first := &RemoteDIO{Host: server.URL, Token: validToken}
	second := &RemoteDIO{Host: server.URL, Token: validToken}
	for _, remote := range []*RemoteDIO{first, second} {
		if err := remote.Setup(context.Background()); err != nil {
			t.Fatalf("Setup returned err: %v", err)
		}
	}

	wg := sync.WaitGroup{}
	for i := 0; i < 4; i++ {
		nibble := uint16(i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			mask := uint16(0xf) << (4 * nibble)
			if err := first.ConfigureOutputs(mask, mask); err != nil {
				t.Errorf("ConfigureOutputs returned err: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			second.CheckConnection()
			second.GetOutputs()
			second.IsReady()
		}()
	}
	wg.Wait()

	assertUint16(t, mock.GetOutputs(), 0xffff)
	assertUint16(t, first.GetOutputs(), 0xffff)
}

func TestRemoteDioCloseDuringWrites(t *testing.T) {
	mock := readyMock(t)
	server := makeTestRemoteServer(t, mock)
	remote := &RemoteDIO{Host: server.URL, Token: validToken}
	if err := remote.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned err: %v", err)
	}
	if err := remote.ConfigureOutputs(0x000f, 0x000f); err != nil {
		t.Fatalf("ConfigureOutputs returned err: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			remote.Write(0x0006, 0x000f)
		}
	}()
	remote.Close()
	<-done

	assertBools(t, remote.IsReady(), false)
	if err := remote.Write(0x0000, 0x000f); err == nil {
		t.Error("expected error writing to closed driver")
	}
}
