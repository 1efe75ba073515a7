package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ifrelay/pkg/config"
	"ifrelay/pkg/container"
	"ifrelay/pkg/logger"

	"github.com/spf13/cobra"
)

var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Run the gadget container",
	Long:  "Runs the gadget container: the relay endpoint for gadget frames over WebSocket and long-poll, with health and readiness endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.container")

		if err := validateGadgets(cfg); err != nil {
			log.Error("Container configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := container.NewService(cfg, log)
		if err != nil {
			log.Error("Failed to initialize container service", "error", err)
			return
		}
		logUIEvents(svc, log)

		log.Info("Container started", "gadgets", gadgetFrames(cfg), "org", cfg.Container.OrgName, "call_timeout", cfg.Relay.CallTimeout())
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Container runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(containerCmd)
}

func validateGadgets(cfg *config.Config) error {
	if len(cfg.Container.Gadgets) == 0 {
		return errors.New("no gadgets are configured")
	}

	seen := make(map[int64]bool, len(cfg.Container.Gadgets))
	for _, gadget := range cfg.Container.Gadgets {
		if seen[gadget.ModuleID] {
			return fmt.Errorf("module id %d is configured twice", gadget.ModuleID)
		}
		seen[gadget.ModuleID] = true
	}

	return nil
}

func gadgetFrames(cfg *config.Config) string {
	frames := make([]string, 0, len(cfg.Container.Gadgets))
	for _, gadget := range cfg.Container.Gadgets {
		frames = append(frames, container.FrameID(gadget.ModuleID))
	}

	return strings.Join(frames, ",")
}

// logUIEvents stands in for the page UI: container events are logged.
func logUIEvents(svc *container.Service, log *slog.Logger) {
	for _, key := range []string{
		container.EventShowNotification,
		container.EventNavigate,
		container.EventRefreshGadget,
		container.EventChangeGadgetState,
		container.EventSetupDelegation,
		container.EventSpin,
		container.EventTasksRegistered,
		container.EventTaskCompleted,
		container.EventTitleChanged,
		container.EventFormFieldAdded,
	} {
		svc.Bus().Subscribe(key, func(data any) {
			log.Info("Container event", "event", key, "data", fmt.Sprintf("%+v", data))
		})
	}
}
