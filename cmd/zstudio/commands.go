package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"zstudio/internal/lifecycle"
	"zstudio/internal/mockservice"
	"zstudio/internal/notify"
	"zstudio/internal/settings"
)

// settingFlags are the per-command overrides of the generation settings.
type settingFlags struct {
	steps    int
	guidance float64
	width    int
	height   int
	seed     int64
	preset   string
}

func (f *settingFlags) register(cmd *cobra.Command) {
	d := settings.Defaults()
	cmd.Flags().IntVar(&f.steps, "steps", d.Steps, fmt.Sprintf("Inference steps (%d-%d)", settings.MinSteps, settings.MaxSteps))
	cmd.Flags().Float64Var(&f.guidance, "guidance", d.GuidanceScale, "Guidance scale (0-10)")
	cmd.Flags().IntVar(&f.width, "width", d.Width, "Width in pixels, snapped to a multiple of 16")
	cmd.Flags().IntVar(&f.height, "height", d.Height, "Height in pixels, snapped to a multiple of 16")
	cmd.Flags().Int64Var(&f.seed, "seed", d.Seed, "Seed; -1 picks one at random")
	cmd.Flags().StringVar(&f.preset, "preset", "", "Dimension preset: landscape|portrait|square|wide")
}

// apply writes only the flags the user set, preset first so explicit
// dimensions win.
func (f *settingFlags) apply(cmd *cobra.Command, s *settings.Store) error {
	changed := cmd.Flags().Changed
	if f.preset != "" {
		if _, err := s.ApplyPreset(f.preset); err != nil {
			return err
		}
	}
	var errs []error
	if changed("steps") {
		_, err := s.SetSteps(f.steps)
		errs = append(errs, err)
	}
	if changed("guidance") {
		_, err := s.SetGuidanceScale(f.guidance)
		errs = append(errs, err)
	}
	if changed("width") {
		_, err := s.SetWidth(f.width)
		errs = append(errs, err)
	}
	if changed("height") {
		_, err := s.SetHeight(f.height)
		errs = append(errs, err)
	}
	if changed("seed") {
		_, err := s.SetSeed(f.seed)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newGenerateCmd(o *rootOptions) *cobra.Command {
	var sf settingFlags
	var out string
	cmd := &cobra.Command{
		Use:     "generate PROMPT...",
		Short:   "Generate one image, loading the model first if needed",
		Example: "  zstudio generate a red fox in the snow --preset landscape --out fox.png",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			s, err := o.openSession(cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := sf.apply(cmd, s.Settings()); err != nil {
				return err
			}
			if err := s.Start(ctx); err != nil {
				return err
			}
			res, err := s.Generate(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			png, err := decodeDataURL(res.Image)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, png, 0o644); err != nil {
				return err
			}
			snap := s.Settings().Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%dx%d, %d steps, %s, request %s)\n",
				out, snap.Width, snap.Height, snap.Steps, res.Duration.Round(time.Millisecond), res.RequestID)
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "zstudio.png", "Output PNG path")
	return cmd
}

func newLoadCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load the model and wait until it is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			s, err := o.openSession(cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Start(ctx); err != nil {
				return err
			}
			if err := s.LoadModel(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.State())
			return nil
		},
	}
}

func newWatchCmd(o *rootOptions) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print service notifications and model state changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			out := cmd.OutOrStdout()
			s, err := o.openSession(out, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			lost := make(chan struct{}, 1)
			unsubscribe := s.OnNotification(func(n notify.Notification) {
				if raw && n.Raw != nil {
					fmt.Fprintf(out, "frame %s\n", n.Raw)
				}
				if n.Kind == notify.KindChannelLost {
					select {
					case lost <- struct{}{}:
					default:
					}
				}
			})
			defer unsubscribe()
			if err := s.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "watching %s (model %s)\n", o.cfg.WSURL, s.State())
			return watchLoop(ctx, s, out, lost, o.cfg.ReconnectAttempts > 0)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Also print raw frames")
	return cmd
}

type stateSource interface {
	State() lifecycle.State
	Changed() <-chan struct{}
	ConnState() notify.ConnState
}

// watchLoop prints lifecycle transitions. It returns when ctx ends or the
// channel is lost for good.
func watchLoop(ctx context.Context, s stateSource, out io.Writer, lost <-chan struct{}, reconnects bool) error {
	for {
		changed := s.Changed()
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			fmt.Fprintf(out, "model %s\n", s.State())
		case <-lost:
			if !reconnects {
				return notify.ErrChannelLost
			}
		}
	}
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service health, progress and model settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			s, err := o.openSession(cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer s.Close()
			health := "ok"
			if err := s.Health(ctx); err != nil {
				health = err.Error()
			}
			st, err := s.Status(ctx)
			if err != nil {
				return err
			}
			rs, err := s.RemoteSettings(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"base_url": o.cfg.BaseURL,
				"health":   health,
				"status":   st,
				"settings": rs,
			})
		},
	}
}

func newSettingsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change generation and model settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the local generation settings and presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.openSession(cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer s.Close()
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"settings": s.Settings().Snapshot(),
				"presets":  settings.Presets(),
			})
		},
	}

	var sf settingFlags
	set := &cobra.Command{
		Use:     "set",
		Short:   "Change generation settings; values are clamped",
		Example: "  zstudio settings set --steps 12 --preset portrait",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.cfg.SettingsFile == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "settings_file is not configured; changes will not persist")
			}
			s, err := o.openSession(cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := sf.apply(cmd, s.Settings()); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), s.Settings().Snapshot())
		},
	}
	sf.register(set)

	var cpuOffload bool
	modelPath := &cobra.Command{
		Use:   "model-path DIR",
		Short: "Set the service's model cache directory; the model reloads on next use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.openSession(cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer s.Close()
			ack, err := s.ApplyModelPath(cmd.Context(), args[0], cpuOffload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ack.Message)
			return nil
		},
	}
	modelPath.Flags().BoolVar(&cpuOffload, "cpu-offload", false, "Offload model weights to CPU memory")

	cmd.AddCommand(show, set, modelPath)
	return cmd
}

func newServeMockCmd(o *rootOptions) *cobra.Command {
	var (
		addr         string
		opts         mockservice.Options
		failLoad     string
		failGenerate string
	)
	cmd := &cobra.Command{
		Use:   "serve-mock",
		Short: "Run an in-process fake of the image service",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.FailLoad, opts.FailGenerate = failLoad, failGenerate
			opts.Logger = o.log.With().Str("component", "mock").Logger()
			svc := mockservice.New(opts)
			defer svc.Close()
			srv := &http.Server{Addr: addr, Handler: svc.Handler(), ReadHeaderTimeout: 10 * time.Second}

			errc := make(chan error, 1)
			go func() {
				o.log.Info().Str("addr", addr).Msg("mock service listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			select {
			case err, ok := <-errc:
				if ok {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			svc.Close()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := srv.Shutdown(sctx); err != nil {
				o.log.Warn().Err(err).Msg("graceful shutdown error")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "HTTP listen address")
	cmd.Flags().DurationVar(&opts.LoadDelay, "load-delay", 2*time.Second, "Simulated model load time")
	cmd.Flags().DurationVar(&opts.StepDelay, "step-delay", 100*time.Millisecond, "Simulated time per inference step")
	cmd.Flags().StringVar(&failLoad, "fail-load", "", "Announce this error instead of loading the model")
	cmd.Flags().StringVar(&failGenerate, "fail-generate", "", "Fail every generation with this detail")
	return cmd
}

// decodeDataURL returns the payload of a base64 data URL.
func decodeDataURL(s string) ([]byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("unsupported data URL encoding %q", meta)
	}
	return base64.StdEncoding.DecodeString(payload)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
