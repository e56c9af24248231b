package stepkit

import (
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
)

// HomeKit PositionState values.
const (
	hkPositionDecreasing = 0
	hkPositionIncreasing = 1
	hkPositionStopped    = 2
)

// WindowCovering presents a motor as a HomeKit blind: TargetPosition drives it,
// CurrentPosition follows the open-loop step count.
type WindowCovering struct {
	*accessory.A
	WindowCovering *service.WindowCovering
	Fault          *characteristic.StatusFault
}

func NewWindowCovering(info accessory.Info) *WindowCovering {
	acc := WindowCovering{}
	acc.A = accessory.New(info, accessory.TypeWindowCovering)
	acc.WindowCovering = service.NewWindowCovering()

	acc.Fault = characteristic.NewStatusFault()
	acc.Fault.SetValue(characteristic.StatusFaultNoFault)
	acc.WindowCovering.AddC(acc.Fault.C)

	acc.WindowCovering.PositionState.SetValue(hkPositionStopped)

	acc.AddS(acc.WindowCovering.S)
	return &acc
}

func (wc *WindowCovering) setPosition(percent int) {
	wc.WindowCovering.CurrentPosition.SetValue(percent)
	wc.WindowCovering.TargetPosition.SetValue(percent)
	wc.WindowCovering.PositionState.SetValue(hkPositionStopped)
}

func (wc *WindowCovering) setMoving(increasing bool) {
	if increasing {
		wc.WindowCovering.PositionState.SetValue(hkPositionIncreasing)
	} else {
		wc.WindowCovering.PositionState.SetValue(hkPositionDecreasing)
	}
}

func (wc *WindowCovering) setFault(faulty bool) {
	if faulty {
		wc.Fault.SetValue(characteristic.StatusFaultGeneralFault)
	} else {
		wc.Fault.SetValue(characteristic.StatusFaultNoFault)
	}
}
