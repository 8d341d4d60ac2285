package main

import (
	"fmt"
	"os"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"artemisflash/internal/config"
	"artemisflash/internal/firmware"
	"artemisflash/internal/serialio"
	"artemisflash/internal/tui"
	"artemisflash/internal/worker"
)

var log = logrus.New()

// CLI flags
var (
	flagPort string
	flagBaud int

	flagLoadAddressBlob  string
	flagLoadAddressImage string
	flagSplit            string
	flagOTADesc          string
	flagResetAfter       int
	flagAbort            int
	flagVersion          uint32
	flagKeepBlobs        bool
)

// cliSink bridges core progress onto logrus plus an mpb transfer bar.
type cliSink struct {
	progress *mpb.Progress
	bar      *mpb.Bar
	phase    string
}

func newCLISink() *cliSink {
	return &cliSink{progress: mpb.New(mpb.WithWidth(50))}
}

func (s *cliSink) Message(msg string) {
	log.Info(msg)
}

func (s *cliSink) Step(phase string, current, total int) {
	if s.bar == nil || s.phase != phase {
		s.phase = phase
		s.bar = s.progress.New(int64(total),
			mpb.BarStyle(),
			mpb.PrependDecorators(decor.Name(phase+" "), decor.CountersNoUnit("%d / %d")),
			mpb.AppendDecorators(decor.Percentage()),
		)
	}
	s.bar.SetCurrent(int64(current))
}

func (s *cliSink) wait() {
	if s.bar != nil && !s.bar.Completed() {
		s.bar.Abort(true)
	}
	s.progress.Wait()
}

// parseAddr accepts decimal or 0x-prefixed values; empty keeps def.
func parseAddr(raw string, def uint32) (uint32, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return uint32(v), nil
}

func resolveFlashOptions(cfg *config.Config) (firmware.Options, error) {
	opts := cfg.Flash
	var err error
	if opts.LoadAddressBlob, err = parseAddr(flagLoadAddressBlob, opts.LoadAddressBlob); err != nil {
		return opts, err
	}
	if opts.LoadAddressImage, err = parseAddr(flagLoadAddressImage, opts.LoadAddressImage); err != nil {
		return opts, err
	}
	if opts.Split, err = parseAddr(flagSplit, opts.Split); err != nil {
		return opts, err
	}
	if opts.OTADesc, err = parseAddr(flagOTADesc, opts.OTADesc); err != nil {
		return opts, err
	}
	if flagResetAfter >= 0 {
		opts.ResetAfter = flagResetAfter
	}
	if flagAbort >= 0 {
		opts.Abort = flagAbort
	}
	if flagVersion != 0 {
		opts.Version = flagVersion
	}
	opts.KeepBlobs = flagKeepBlobs
	return opts, nil
}

func resolvePort(cfg *config.Config) (string, error) {
	if flagPort != "" {
		return flagPort, nil
	}
	if cfg.Port != "" {
		return cfg.Port, nil
	}
	ports, err := serialio.ListPorts()
	if err != nil {
		return "", err
	}
	idx := serialio.PreferredPort(ports)
	if idx < 0 {
		return "", fmt.Errorf("no serial ports found; pass --port")
	}
	log.Infof("Using %s", ports[idx].Label())
	return ports[idx].Name, nil
}

func resolveBaud(cfg *config.Config) int {
	if flagBaud != 0 {
		return flagBaud
	}
	return cfg.Baud
}

func main() {
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	root := &cobra.Command{
		Use:           "artemisflash",
		Short:         "Firmware programmer for Artemis (Apollo3) modules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagPort, "port", "p", "", "serial port (default: first CH340 adapter)")
	root.PersistentFlags().IntVarP(&flagBaud, "baud", "b", 0, "baud rate (115200, 460800 or 921600)")

	uploadCmd := &cobra.Command{
		Use:   "upload <firmware.bin>",
		Short: "Upload an application image through the SVL bootloader",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			port, err := resolvePort(cfg)
			if err != nil {
				return err
			}
			sink := newCLISink()
			defer sink.wait()
			u := firmware.NewUploader(serialio.Open, sink)
			u.Opts = cfg.Flash
			return u.UploadFirmware(args[0], port, resolveBaud(cfg))
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update-bootloader <svl.bin>",
		Short: "Reflash the SVL bootloader through the wired update protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			port, err := resolvePort(cfg)
			if err != nil {
				return err
			}
			opts, err := resolveFlashOptions(cfg)
			if err != nil {
				return err
			}
			sink := newCLISink()
			defer sink.wait()
			u := firmware.NewUploader(serialio.Open, sink)
			u.Opts = opts
			return u.UpdateBootloader(args[0], port, resolveBaud(cfg))
		},
	}
	updateCmd.Flags().StringVar(&flagLoadAddressBlob, "load-address-blob", "", "flash address baked into the OTA header (default 0xC000)")
	updateCmd.Flags().StringVar(&flagLoadAddressImage, "load-address-image", "", "wired download destination (default 0x20000)")
	updateCmd.Flags().StringVar(&flagSplit, "split", "", "max image bytes per wired chunk, page multiple (default 0x48000)")
	updateCmd.Flags().StringVar(&flagOTADesc, "otadesc", "", "OTA descriptor page address (default 0xFE000)")
	updateCmd.Flags().IntVar(&flagResetAfter, "reset", -1, "reset after download: 0 none, 1 POI, 2 POR (default 2)")
	updateCmd.Flags().IntVar(&flagAbort, "abort", -1, "abort command value; -1 sends no abort")
	updateCmd.Flags().Uint32Var(&flagVersion, "image-version", 0, "image version word")
	updateCmd.Flags().BoolVar(&flagKeepBlobs, "keep-blobs", false, "write the intermediate OTA and wired blobs next to the input")

	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serialio.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("no serial ports found")
				return nil
			}
			for _, p := range ports {
				marker := " "
				if p.IsCH340() {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, p.Label())
			}
			return nil
		},
	}

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Interactive terminal front-end",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			runner := worker.New()
			defer runner.Stop()
			program := tea.NewProgram(tui.NewModel(cfg, runner), tea.WithAltScreen())
			_, err = program.Run()
			return err
		},
	}

	root.AddCommand(uploadCmd, updateCmd, portsCmd, tuiCmd)

	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
