package stepkit

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubertat/stepkit/drivers"
)

func readyMock(t *testing.T) *drivers.MockDIO {
	t.Helper()

	md := &drivers.MockDIO{}
	require.NoError(t, md.Setup(context.Background()))
	return md
}

func instantController(t *testing.T, md *drivers.MockDIO, nibble uint8, polarity Polarity) *StepperController {
	t.Helper()

	sc, err := NewStepperController(md, StepperConfig{Nibble: nibble, Polarity: polarity})
	require.NoError(t, err)
	return sc
}

func sortedCycle(cycle [4]uint8) []uint8 {
	s := cycle[:]
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s
}

func TestNewStepperControllerPolarity(t *testing.T) {
	t.Run("ntype", func(t *testing.T) {
		sc := instantController(t, readyMock(t), 0, PolarityNType)
		assert.Equal(t, [4]uint8{0x6, 0xa, 0x9, 0x5}, sc.PhaseCycle())
		assert.Equal(t, uint8(0x0), sc.OffPattern())
		assert.Equal(t, uint8(0x6), sc.Phase())
	})

	t.Run("ptype", func(t *testing.T) {
		sc := instantController(t, readyMock(t), 0, PolarityPType)
		assert.Equal(t, [4]uint8{0x9, 0x5, 0x6, 0xa}, sc.PhaseCycle())
		assert.Equal(t, uint8(0xf), sc.OffPattern())
	})

	t.Run("unknown", func(t *testing.T) {
		md := readyMock(t)
		_, err := NewStepperController(md, StepperConfig{Polarity: Polarity(7)})
		assert.True(t, errors.Is(err, ErrInvalidPolarity))
		assert.Empty(t, md.ConfigureCalls())
	})
}

func TestNewStepperControllerConfiguresNibble(t *testing.T) {
	for nibble := uint8(0); nibble <= 3; nibble++ {
		md := readyMock(t)
		sc := instantController(t, md, nibble, PolarityNType)

		mask := uint16(0xf) << (4 * uint16(nibble))
		assert.Equal(t, mask, sc.Mask())
		assert.Equal(t, []drivers.MockWrite{{Value: mask, Mask: mask}}, md.ConfigureCalls())
		assert.Equal(t, mask, md.State())
		assert.Empty(t, md.Writes())
	}
}

func TestNewStepperControllerUnreachable(t *testing.T) {
	md := readyMock(t)
	md.Unreachable = true

	sc, err := NewStepperController(md, DefaultStepperConfig(1))
	assert.Nil(t, sc)
	assert.True(t, errors.Is(err, ErrDeviceUnreachable))
	assert.Empty(t, md.ConfigureCalls())
}

func TestNewStepperControllerInvalidConfig(t *testing.T) {
	md := readyMock(t)

	_, err := NewStepperController(md, StepperConfig{Nibble: 4})
	assert.True(t, errors.Is(err, ErrInvalidNibble))

	_, err = NewStepperController(md, StepperConfig{StepDelay: -time.Millisecond})
	assert.True(t, errors.Is(err, ErrInvalidDelay))

	_, err = NewStepperController(md, StepperConfig{SettleDelay: -time.Millisecond})
	assert.True(t, errors.Is(err, ErrInvalidDelay))

	assert.Empty(t, md.ConfigureCalls())
}

func TestDefaultStepperConfig(t *testing.T) {
	cfg := DefaultStepperConfig(2)
	assert.Equal(t, uint8(2), cfg.Nibble)
	assert.Equal(t, 100*time.Millisecond, cfg.StepDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.SettleDelay)
	assert.Equal(t, PolarityNType, cfg.Polarity)
}

func TestStepWriteCount(t *testing.T) {
	for _, steps := range []uint{0, 1, 3, 4, 9} {
		md := readyMock(t)
		sc := instantController(t, md, 0, PolarityNType)

		require.NoError(t, sc.StepClockwise(steps))
		assert.Len(t, md.Writes(), int(steps)+2, "clockwise %d steps", steps)

		md.ResetWrites()
		require.NoError(t, sc.StepCounterClockwise(steps))
		assert.Len(t, md.Writes(), int(steps)+2, "counterclockwise %d steps", steps)
	}
}

func TestStepClockwiseSequence(t *testing.T) {
	md := readyMock(t)
	sc := instantController(t, md, 1, PolarityNType)

	require.NoError(t, sc.StepClockwise(4))

	want := []drivers.MockWrite{
		{Value: 0x60, Mask: 0xf0},
		{Value: 0xa0, Mask: 0xf0},
		{Value: 0x90, Mask: 0xf0},
		{Value: 0x50, Mask: 0xf0},
		{Value: 0x60, Mask: 0xf0},
		{Value: 0x00, Mask: 0xf0},
	}
	assert.Equal(t, want, md.Writes())
	assert.Equal(t, [4]uint8{0x6, 0xa, 0x9, 0x5}, sc.PhaseCycle())
	assert.Equal(t, uint16(0x00), md.State()&0xf0)
}

func TestStepCounterClockwiseSequence(t *testing.T) {
	md := readyMock(t)
	sc := instantController(t, md, 0, PolarityPType)

	require.NoError(t, sc.StepCounterClockwise(2))

	want := []drivers.MockWrite{
		{Value: 0x9, Mask: 0xf},
		{Value: 0xa, Mask: 0xf},
		{Value: 0x6, Mask: 0xf},
		{Value: 0xf, Mask: 0xf},
	}
	assert.Equal(t, want, md.Writes())
	assert.Equal(t, [4]uint8{0x6, 0xa, 0x9, 0x5}, sc.PhaseCycle())
}

func TestStepZeroSteps(t *testing.T) {
	md := readyMock(t)
	sc := instantController(t, md, 2, PolarityNType)

	require.NoError(t, sc.StepClockwise(0))

	assert.Equal(t, []drivers.MockWrite{
		{Value: 0x600, Mask: 0xf00},
		{Value: 0x000, Mask: 0xf00},
	}, md.Writes())
	assert.Equal(t, uint8(0x6), sc.Phase())
}

func TestRingInvariant(t *testing.T) {
	md := readyMock(t)
	sc := instantController(t, md, 3, PolarityPType)
	initial := sortedCycle(sc.PhaseCycle())

	moves := []struct {
		dir   Direction
		steps uint
	}{
		{Clockwise, 3}, {CounterClockwise, 7}, {Clockwise, 1}, {Clockwise, 10}, {CounterClockwise, 2},
	}
	for _, m := range moves {
		require.NoError(t, sc.Move(context.Background(), m.dir, m.steps))
		assert.Equal(t, initial, sortedCycle(sc.PhaseCycle()))
	}
}

func TestInverseProperty(t *testing.T) {
	for _, first := range []Direction{Clockwise, CounterClockwise} {
		md := readyMock(t)
		sc := instantController(t, md, 0, PolarityNType)
		sc.StepClockwise(3)
		before := sc.PhaseCycle()

		require.NoError(t, sc.Move(context.Background(), first, 1))
		assert.NotEqual(t, before, sc.PhaseCycle())
		require.NoError(t, sc.Move(context.Background(), first.Inverted(), 1))

		assert.Equal(t, before, sc.PhaseCycle(), "starting %s", first)
		writes := md.Writes()
		assert.Equal(t, drivers.MockWrite{Value: 0x0, Mask: 0xf}, writes[len(writes)-1])
	}
}

func TestMaskingIsolation(t *testing.T) {
	md := readyMock(t)
	md.ConfigureOutputs(0xffff, 0x0000)

	controllers := []*StepperController{}
	for nibble := uint8(0); nibble <= 3; nibble++ {
		controllers = append(controllers, instantController(t, md, nibble, PolarityNType))
	}

	md.SetState(0xa5c3)
	md.ResetWrites()

	require.NoError(t, controllers[2].StepClockwise(5))
	for _, w := range md.Writes() {
		assert.Equal(t, uint16(0x0f00), w.Mask)
		assert.Zero(t, w.Value&^0x0f00)
	}
	assert.Equal(t, uint16(0xa0c3), md.State())
}

func TestTurnPowerOff(t *testing.T) {
	md := readyMock(t)
	sc := instantController(t, md, 1, PolarityPType)
	sc.StepClockwise(1)
	md.ResetWrites()
	phase := sc.PhaseCycle()

	require.NoError(t, sc.TurnPowerOff())

	assert.Equal(t, []drivers.MockWrite{{Value: 0xf0, Mask: 0xf0}}, md.Writes())
	assert.Equal(t, phase, sc.PhaseCycle())
}

func TestStepWriteErrorPropagates(t *testing.T) {
	md := readyMock(t)
	sc := instantController(t, md, 0, PolarityNType)

	failure := errors.New("i2c bus fault")
	md.WriteErr = failure

	err := sc.StepClockwise(3)
	assert.Equal(t, failure, err)
	assert.Equal(t, failure, sc.TurnPowerOff())
	assert.Empty(t, md.Writes())
	assert.Equal(t, uint8(0x6), sc.Phase())
}

func TestStepWriteErrorMidMove(t *testing.T) {
	md := readyMock(t)
	sc := instantController(t, md, 1, PolarityNType)

	failure := errors.New("i2c bus fault")
	md.WriteErr = failure
	md.FailOnWrite = 3

	err := sc.StepClockwise(5)
	assert.Equal(t, failure, err)
	assert.Equal(t, 3, md.WriteAttempts())
	assert.Equal(t, []drivers.MockWrite{
		{Value: 0x60, Mask: 0xf0},
		{Value: 0xa0, Mask: 0xf0},
	}, md.Writes())
	assert.Equal(t, uint8(0x9), sc.Phase())
	assert.Equal(t, uint(2), sc.LastMoveSteps())
}

func TestMoveTiming(t *testing.T) {
	md := readyMock(t)
	sc, err := NewStepperController(md, StepperConfig{
		Nibble:      0,
		StepDelay:   5 * time.Millisecond,
		SettleDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, sc.StepClockwise(4))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMoveCancelled(t *testing.T) {
	md := readyMock(t)
	sc, err := NewStepperController(md, StepperConfig{
		Nibble:      0,
		StepDelay:   time.Hour,
		SettleDelay: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = sc.Move(ctx, Clockwise, 100)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	writes := md.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, drivers.MockWrite{Value: 0x0, Mask: 0xf}, writes[2])
	assert.Equal(t, uint8(0xa), sc.Phase())
	assert.Equal(t, uint(1), sc.LastMoveSteps())
}

func TestMoveAlreadyCancelled(t *testing.T) {
	md := readyMock(t)
	sc := instantController(t, md, 0, PolarityNType)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sc.Move(ctx, CounterClockwise, 5)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []drivers.MockWrite{
		{Value: 0x6, Mask: 0xf},
		{Value: 0x0, Mask: 0xf},
	}, md.Writes())
	assert.Zero(t, sc.LastMoveSteps())
}

func TestPolarityText(t *testing.T) {
	var p Polarity
	require.NoError(t, p.UnmarshalText([]byte("ptype")))
	assert.Equal(t, PolarityPType, p)
	require.NoError(t, p.UnmarshalText([]byte("NTYPE")))
	assert.Equal(t, PolarityNType, p)
	assert.True(t, errors.Is(p.UnmarshalText([]byte("mosfet")), ErrInvalidPolarity))

	text, err := PolarityPType.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "ptype", string(text))
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("CW")
	require.NoError(t, err)
	assert.Equal(t, Clockwise, d)

	d, err = ParseDirection("ccw")
	require.NoError(t, err)
	assert.Equal(t, CounterClockwise, d)
	assert.Equal(t, Clockwise, d.Inverted())

	_, err = ParseDirection("up")
	assert.Error(t, err)
}
