package main

import (
	"bytes"
	"context"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"zstudio/internal/lifecycle"
	"zstudio/internal/mockservice"
	"zstudio/internal/notify"
	"zstudio/internal/settings"
)

func TestDecodeDataURL(t *testing.T) {
	b, err := decodeDataURL("data:image/png;base64,aGVsbG8=")
	if err != nil || string(b) != "hello" {
		t.Fatalf("got %q err=%v", b, err)
	}
	for _, bad := range []string{"aGVsbG8=", "data:image/png,hello", "data:image/png;base64"} {
		if _, err := decodeDataURL(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestNewLoggerLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"bogus": zerolog.InfoLevel,
		"":      zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := newLogger(&bytes.Buffer{}, in).GetLevel(); got != want {
			t.Fatalf("%q: got %s want %s", in, got, want)
		}
	}
}

func TestSettingFlagsApplyOnlyChanged(t *testing.T) {
	var sf settingFlags
	cmd := &cobra.Command{Use: "x"}
	sf.register(cmd)
	if err := cmd.ParseFlags([]string{"--preset", "portrait", "--height", "1000", "--seed", "-5"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	st := settings.NewStore(settings.Settings{Steps: 20, GuidanceScale: 2, Width: 512, Height: 512, Seed: 9})
	if err := sf.apply(cmd, st); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := st.Snapshot()
	want := settings.Settings{Steps: 20, GuidanceScale: 2, Width: 768, Height: 1008, Seed: -1}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

type fakeStates struct {
	ch    chan struct{}
	state lifecycle.State
}

func (f *fakeStates) State() lifecycle.State { return f.state }
func (f *fakeStates) Changed() <-chan struct{} { return f.ch }
func (f *fakeStates) ConnState() notify.ConnState { return notify.Open }

func TestWatchLoop(t *testing.T) {
	f := &fakeStates{ch: make(chan struct{}), state: lifecycle.State{Phase: lifecycle.Ready}}
	close(f.ch)
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	lost := make(chan struct{}, 2)
	lost <- struct{}{}

	// The closed Changed channel keeps printing until ctx ends when reconnects are on.
	if err := watchLoop(ctx, f, &out, lost, true); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !strings.Contains(out.String(), "model ready") {
		t.Fatalf("output: %q", out.String())
	}

	f.ch = make(chan struct{})
	lost <- struct{}{}
	if err := watchLoop(context.Background(), f, &out, lost, false); err != notify.ErrChannelLost {
		t.Fatalf("expected channel lost, got %v", err)
	}
}

func TestGenerateCommandEndToEnd(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	svc := mockservice.New(mockservice.Options{LoadDelay: 50 * time.Millisecond})
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()
	defer svc.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "fox.png")
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs([]string{
		"--base-url", srv.URL,
		"--env-file", filepath.Join(dir, "missing.env"),
		"generate", "a", "red", "fox",
		"--preset", "landscape",
		"--out", out,
	})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v\nstderr:\n%s", err, stderr.String())
	}

	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != 1344/16 || img.Bounds().Dy() != 768/16 {
		t.Fatalf("unexpected bounds %v", img.Bounds())
	}
	if !strings.Contains(stdout.String(), "1344x768") {
		t.Fatalf("stdout: %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), mockservice.MsgLoaded) {
		t.Fatalf("ready message not shown; stderr:\n%s", stderr.String())
	}
	if svc.LoadCalls() != 1 || svc.GenerateCalls() != 1 {
		t.Fatalf("calls: load=%d generate=%d", svc.LoadCalls(), svc.GenerateCalls())
	}
}

func TestSettingsSetPersists(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	file := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(cfgPath, []byte("settings_file: "+file+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) string {
		t.Helper()
		root := newRootCmd()
		var stdout, stderr bytes.Buffer
		root.SetOut(&stdout)
		root.SetErr(&stderr)
		root.SetArgs(append([]string{"--config", cfgPath, "--env-file", filepath.Join(dir, "none.env")}, args...))
		if err := root.Execute(); err != nil {
			t.Fatalf("%v: %v\n%s", args, err, stderr.String())
		}
		return stdout.String()
	}
	run("settings", "set", "--steps", "80", "--preset", "wide")
	shown := run("settings", "show")
	for _, frag := range []string{`"steps": 50`, `"width": 1536`, `"height": 640`} {
		if !strings.Contains(shown, frag) {
			t.Fatalf("missing %s in:\n%s", frag, shown)
		}
	}
}
