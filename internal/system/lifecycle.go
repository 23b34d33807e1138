package system

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/api/rest"
	"github.com/KevinKickass/OpenStageCore/internal/api/websocket"
	"github.com/KevinKickass/OpenStageCore/internal/auth"
	"github.com/KevinKickass/OpenStageCore/internal/config"
	"github.com/KevinKickass/OpenStageCore/internal/interfaces"
	"github.com/KevinKickass/OpenStageCore/internal/machine"
	"github.com/KevinKickass/OpenStageCore/internal/microcontroller"
	"github.com/KevinKickass/OpenStageCore/internal/navigation"
	"github.com/KevinKickass/OpenStageCore/internal/profile"
	"github.com/KevinKickass/OpenStageCore/internal/serial"
	"github.com/KevinKickass/OpenStageCore/internal/storage"
	"github.com/KevinKickass/OpenStageCore/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the name the stage reports under in grpc.health.v1.
const HealthService = "squid.stage"

type LifecycleManager struct {
	config  *config.Config
	storage *storage.PostgresClient
	logger  *zap.Logger

	profile     types.StageProfile
	device      string
	simulated   bool
	mcu         *microcontroller.Microcontroller
	nav         *navigation.Controller
	machine     *machine.Controller
	wsHub       *websocket.Hub
	authService *auth.AuthService

	restServer   *rest.Server
	grpcServer   *grpc.Server
	healthServer *health.Server

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager prepares the service. db may be nil, in which case
// homing runs are only kept in memory and logins are not audited.
func NewLifecycleManager(db *storage.PostgresClient, cfg *config.Config, logger *zap.Logger) *LifecycleManager {
	var audit auth.AuditLogger
	if db != nil {
		audit = db
	}
	authService := auth.NewAuthService(cfg.Auth, audit, logger)

	return &LifecycleManager{
		config:       cfg,
		storage:      db,
		logger:       logger,
		authService:  authService,
		wsHub:        websocket.NewHub(logger, authService),
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}
}

// Start connects the stage controller, configures it and starts serving.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenStageCore")

	loader, err := profile.NewLoader(lm.logger)
	if err != nil {
		lm.setError(err)
		return err
	}
	p, err := loader.LoadOrDefault(lm.config.Profile.Path)
	if err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to load stage profile: %w", err)
	}
	lm.profile = *p

	go lm.wsHub.Run()

	lm.setState(StateConnecting)
	if err := lm.connect(ctx); err != nil {
		lm.setError(err)
		return err
	}

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("device", lm.device),
		zap.Bool("simulated", lm.simulated))

	if lm.config.Homing.OnStart {
		if _, err := lm.machine.ExecuteCommand(ctx, machine.CommandHome); err != nil {
			lm.logger.Error("Homing on start refused", zap.Error(err))
		}
	}

	return nil
}

// connect opens the transport, starts the reader and builds the motion
// layers on top of it.
func (lm *LifecycleManager) connect(ctx context.Context) error {
	transport, err := lm.openTransport()
	if err != nil {
		return err
	}

	mcu, err := microcontroller.New(transport, microcontroller.OptionsFromConfig(lm.config.Protocol), lm.logger)
	if err != nil {
		transport.Close()
		return fmt.Errorf("failed to start status reader: %w", err)
	}

	if err := mcu.ConfigureActuators(ctx, lm.profile, lm.config.Homing.Timeout); err != nil {
		mcu.Close()
		return fmt.Errorf("failed to configure actuators: %w", err)
	}

	nav, err := navigation.NewController(mcu, lm.profile, lm.config.Homing.Timeout, lm.logger, lm.wsHub)
	if err != nil {
		mcu.Close()
		return err
	}

	var journal machine.Journal
	if lm.storage != nil {
		journal = lm.storage
	}

	lm.mcu = mcu
	lm.nav = nav
	lm.machine = machine.NewController(lm.logger, nav, lm.config.Homing, journal, lm.wsHub)
	lm.wsHub.SetMachineStatusProvider(lm.machine)
	return nil
}

func (lm *LifecycleManager) openTransport() (serial.Transport, error) {
	transport, device, simulated, err := OpenTransport(lm.config, lm.profile.Controller.SerialNumber, lm.logger)
	if err != nil {
		return nil, err
	}
	lm.device = device
	lm.simulated = simulated
	return transport, nil
}

// OpenTransport opens the configured serial device, auto-detecting it when
// none is set. The simulator stands in when configured, or when the device
// fails and simulate_on_failure is set.
func OpenTransport(cfg *config.Config, serialNumber string, logger *zap.Logger) (transport serial.Transport, device string, simulated bool, err error) {
	sc := cfg.Serial
	if sc.Simulate {
		return newSimulator(cfg, logger), "simulator", true, nil
	}

	fallback := func(cause error) (serial.Transport, string, bool, error) {
		if !sc.SimulateOnFailure {
			return nil, "", false, fmt.Errorf("failed to open stage controller: %w", cause)
		}
		logger.Warn("Stage controller unavailable, using simulator", zap.Error(cause))
		return newSimulator(cfg, logger), "simulator", true, nil
	}

	device = sc.Device
	if device == "" {
		detected, err := serial.AutoDetect(serial.ListPorts(), serialNumber)
		if err != nil {
			return fallback(err)
		}
		device = detected
	}

	port, err := serial.Open(serial.Config{
		Device:      device,
		Baud:        sc.Baud,
		ReadTimeout: sc.ReadTimeout,
	}, logger)
	if err != nil {
		return fallback(err)
	}
	return port, device, false, nil
}

func newSimulator(cfg *config.Config, logger *zap.Logger) *microcontroller.SimSerial {
	opts := microcontroller.DefaultSimOptions()
	opts.Protocol = microcontroller.OptionsFromConfig(cfg.Protocol).Protocol
	if cfg.Simulation.Latency > 0 {
		opts.Latency = cfg.Simulation.Latency
	}
	if cfg.Simulation.Interval > 0 {
		opts.Interval = cfg.Simulation.Interval
	}
	return microcontroller.NewSimSerial(opts, logger)
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)

		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 1. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 2. gRPC Server graceful stop
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.healthServer.Shutdown()
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		err = fmt.Errorf("shutdown timeout exceeded")
	}

	select {
	case e := <-errChan:
		if err == nil {
			err = e
		}
	default:
	}

	// 3. Stage: homing first, then the reader, then the port
	if lm.machine != nil {
		lm.machine.Close()
	}
	if lm.nav != nil {
		lm.nav.Close()
	}
	if lm.mcu != nil {
		if cerr := lm.mcu.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close stage controller: %w", cerr)
		}
	}

	lm.wsHub.Stop()

	if err == nil {
		lm.logger.Info("Graceful shutdown completed")
	}
	return err
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	lm.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.healthServer)

	lm.updateHealth(lm.machine.Status())
	lm.machine.OnStateChange(lm.updateHealth)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", HealthService))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

// updateHealth reports SERVING only while the stage position is known.
func (lm *LifecycleManager) updateHealth(status machine.MachineStatus) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if status.Homed {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	lm.healthServer.SetServingStatus(HealthService, serving)
	lm.healthServer.SetServingStatus("", serving)
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	from := lm.currentState
	if err := ValidateTransition(from, state); err != nil {
		lm.stateMu.Unlock()
		lm.logger.Warn("Ignoring system state change", zap.Error(err))
		return
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.logger.Info("System state changed",
		zap.String("from", from.String()),
		zap.String("to", state.String()))
	lm.wsHub.Broadcast(websocket.NewSystemStatusMessage(state.String(), lm.simulated))
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

// State returns the lifecycle state.
func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	status := interfaces.SystemStatus{
		State:      lm.State().String(),
		Simulated:  lm.simulated,
		Device:     lm.device,
		WSClients:  lm.wsHub.GetClientCount(),
		Journaling: lm.storage != nil,
	}
	if lm.machine != nil {
		status.Machine = lm.machine.Status()
	}
	if lm.mcu != nil {
		status.Link = lm.mcu.Stats()
	}
	return status
}

// MachineController returns the homing state machine
func (lm *LifecycleManager) MachineController() *machine.Controller {
	return lm.machine
}

// Navigation returns the physical-unit motion layer
func (lm *LifecycleManager) Navigation() *navigation.Controller {
	return lm.nav
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}
