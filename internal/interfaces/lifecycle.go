package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenStageCore/internal/config"
	"github.com/KevinKickass/OpenStageCore/internal/machine"
	"github.com/KevinKickass/OpenStageCore/internal/microcontroller"
	"github.com/KevinKickass/OpenStageCore/internal/navigation"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State      string                `json:"state"`
	Simulated  bool                  `json:"simulated"`
	Device     string                `json:"device,omitempty"`
	Machine    machine.MachineStatus `json:"machine"`
	Link       microcontroller.Stats `json:"link"`
	WSClients  int                   `json:"ws_clients"`
	Journaling bool                  `json:"journaling"`
}

type LifecycleManager interface {
	Config() *config.Config
	Navigation() *navigation.Controller
	MachineController() *machine.Controller
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
