package drivers

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

const mockDriverName = "mock_driver"

type MockWrite struct {
	Value uint16
	Mask  uint16
}

// MockDIO keeps the line state in memory. Unreachable and WriteErr inject
// faults: WriteErr fails every write, or only attempt FailOnWrite (1-based)
// when that is set.
type MockDIO struct {
	Unreachable bool
	WriteErr    error
	FailOnWrite int

	attempts  int
	state     uint16
	outputs   uint16
	writes    []MockWrite
	configure []MockWrite
	ready     bool

	writeTo          io.Writer
	writeStateChange bool

	lock sync.Mutex
}

func (md *MockDIO) Setup(ctx context.Context) error {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.ready = true
	return nil
}

func (md *MockDIO) Close() error {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.ready = false
	return nil
}

func (md *MockDIO) String() string {
	return mockDriverName
}

func (md *MockDIO) IsReady() bool {
	md.lock.Lock()
	defer md.lock.Unlock()

	return md.ready
}

func (md *MockDIO) CheckConnection() bool {
	return !md.Unreachable
}

func (md *MockDIO) ConfigureOutputs(mask uint16, initial uint16) error {
	md.lock.Lock()
	defer md.lock.Unlock()

	if !md.ready {
		return errors.New("mock driver not ready")
	}

	md.configure = append(md.configure, MockWrite{Value: initial, Mask: mask})
	md.outputs |= mask
	md.apply(initial, mask)
	return nil
}

func (md *MockDIO) Write(value uint16, mask uint16) error {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.attempts++
	if md.WriteErr != nil && (md.FailOnWrite == 0 || md.FailOnWrite == md.attempts) {
		return md.WriteErr
	}
	if err := checkWriteMask(mask, md.outputs); err != nil {
		return err
	}

	md.writes = append(md.writes, MockWrite{Value: value, Mask: mask})
	md.apply(value, mask)
	return nil
}

func (md *MockDIO) apply(value uint16, mask uint16) {
	newState := md.state&^mask | value&mask
	if md.writeStateChange && newState != md.state {
		fmt.Fprintf(md.writeTo, "[lines 0x%04x] state changed to 0x%04x\n", mask, newState)
	}
	md.state = newState
}

func (md *MockDIO) GetOutputs() uint16 {
	md.lock.Lock()
	defer md.lock.Unlock()

	return md.outputs
}

// State returns the current level of all 16 lines.
func (md *MockDIO) State() uint16 {
	md.lock.Lock()
	defer md.lock.Unlock()

	return md.state
}

// SetState forces line levels, bypassing the output configuration.
func (md *MockDIO) SetState(state uint16) {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.state = state
}

func (md *MockDIO) Writes() []MockWrite {
	md.lock.Lock()
	defer md.lock.Unlock()

	return append([]MockWrite(nil), md.writes...)
}

func (md *MockDIO) ConfigureCalls() []MockWrite {
	md.lock.Lock()
	defer md.lock.Unlock()

	return append([]MockWrite(nil), md.configure...)
}

// WriteAttempts counts every Write call, failed ones included.
func (md *MockDIO) WriteAttempts() int {
	md.lock.Lock()
	defer md.lock.Unlock()

	return md.attempts
}

// ResetWrites clears the write log and the attempt counter.
func (md *MockDIO) ResetWrites() {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.writes = nil
	md.attempts = 0
}

func (md *MockDIO) MonitorStateChanges(writer io.Writer) {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.writeTo = writer
	md.writeStateChange = true
}
