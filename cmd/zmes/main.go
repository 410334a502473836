// Zmes — interactive call client.
//
// It connects to a zmesd signaling server over WebSocket, lists the user
// directory, and places or answers audio/video calls carried peer-to-peer
// over WebRTC. Media comes from the local camera and microphone, or from a
// synthetic device with -fake-media.
//
// It can be launched with flags (-server, -user, -name) or will prompt
// interactively for anything missing.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/DARK-V-98/zmes/internal/call"
	"github.com/DARK-V-98/zmes/internal/config"
	"github.com/DARK-V-98/zmes/internal/directory"
	"github.com/DARK-V-98/zmes/internal/media"
	sig "github.com/DARK-V-98/zmes/internal/signal"
	"github.com/DARK-V-98/zmes/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Client{}
	flag.StringVar(&cfg.ServerURL, "server", "", "zmesd server URL (e.g. http://localhost:8090)")
	flag.StringVar(&cfg.UserID, "user", "", "Your user id")
	flag.StringVar(&cfg.DisplayName, "name", "", "Your display name (defaults to user id)")
	flag.BoolVar(&cfg.FakeMedia, "fake-media", false, "Use a synthetic media device (no camera/microphone)")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	util.SetupLogger(cfg.Debug)

	pterm.Info.Println(fmt.Sprintf("Zmes — v%s", version))
	pterm.Println()

	if cfg.ServerURL == "" {
		cfg.ServerURL = ask("Server URL (e.g. http://localhost:8090)")
	}
	if cfg.UserID == "" {
		cfg.UserID = ask("Your user id")
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.UserID
	}

	if err := run(ctx, cfg); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Client) error {
	wsURL, err := cfg.SignalURL()
	if err != nil {
		return err
	}
	httpURL, err := cfg.HTTPURL()
	if err != nil {
		return err
	}

	channel, err := sig.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.ServerURL, err)
	}
	defer channel.Close()

	var device media.Device
	if cfg.FakeMedia {
		device = media.SyntheticDevice{}
	} else {
		device, err = media.NewCaptureDevice()
		if err != nil {
			return fmt.Errorf("open capture device: %w", err)
		}
	}

	dir := directory.NewHTTP(httpURL)
	self := directory.User{ID: cfg.UserID, DisplayName: cfg.DisplayName}

	ui := &ui{}
	ctl := call.NewController(channel, device, dir, self, ui.onChange)
	ui.ctl = ctl

	if err := ctl.Start(ctx); err != nil {
		return fmt.Errorf("watch for incoming calls: %w", err)
	}
	defer ctl.Stop()

	pterm.Success.Println(fmt.Sprintf("Connected to %s as %s", cfg.ServerURL, cfg.UserID))
	printHelp()

	ui.loop(ctx, dir)
	return nil
}

// ---------------------------------------------------------------------------
// Interactive loop
// ---------------------------------------------------------------------------

// ui owns the command prompt and renders call state transitions as they
// arrive from the controller.
type ui struct {
	ctl *call.Controller
}

func (u *ui) loop(ctx context.Context, dir directory.Directory) {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if u.dispatch(ctx, dir, line) {
				return
			}
		}
	}
}

// dispatch runs one command; it returns true when the user quits.
func (u *ui) dispatch(ctx context.Context, dir directory.Directory, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "list", "l":
		u.printRoster(ctx, dir)

	case "call":
		if len(fields) < 2 {
			pterm.Warning.Println("usage: call <user id> [video]")
			return false
		}
		typ := sig.CallAudio
		if len(fields) > 2 && fields[2] == "video" {
			typ = sig.CallVideo
		}
		u.placeCall(ctx, dir, fields[1], typ)

	case "accept", "a":
		if err := u.ctl.Accept(ctx); err != nil {
			pterm.Warning.Println(err)
		}

	case "decline", "d":
		if err := u.ctl.Decline(ctx); err != nil {
			pterm.Warning.Println(err)
		}

	case "hangup", "h":
		if err := u.ctl.End(ctx); err != nil {
			pterm.Warning.Println(err)
		}

	case "mute", "m":
		if u.ctl.ToggleMute() {
			pterm.Info.Println("Microphone muted")
		} else {
			pterm.Info.Println("Microphone live")
		}

	case "camera", "c":
		if u.ctl.ToggleCamera() {
			pterm.Info.Println("Camera off")
		} else {
			pterm.Info.Println("Camera on")
		}

	case "status", "s":
		u.printStatus()

	case "help", "?":
		printHelp()

	case "quit", "q":
		return true

	default:
		pterm.Warning.Println(fmt.Sprintf("unknown command %q — type 'help'", fields[0]))
	}
	return false
}

func (u *ui) placeCall(ctx context.Context, dir directory.Directory, calleeID string, typ sig.CallType) {
	callee, err := dir.Lookup(ctx, calleeID)
	if err != nil {
		pterm.Warning.Println(fmt.Sprintf("unknown user %q", calleeID))
		return
	}
	if err := u.ctl.StartCall(ctx, callee, typ); err != nil {
		pterm.Warning.Println(err)
	}
}

func (u *ui) printRoster(ctx context.Context, dir directory.Directory) {
	users, err := dir.List(ctx)
	if err != nil {
		pterm.Warning.Println(fmt.Sprintf("list users: %v", err))
		return
	}

	rows := pterm.TableData{{"ID", "Name", "Status"}}
	for _, user := range users {
		status := "offline"
		if user.IsOnline {
			status = "online"
		}
		rows = append(rows, []string{user.ID, user.DisplayName, status})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func (u *ui) printStatus() {
	st := u.ctl.Status()
	switch {
	case !st.Stage.InCall():
		pterm.Info.Println("No call in progress")
	case st.Connected:
		pterm.Info.Println(fmt.Sprintf("In %s call with %s — %s",
			st.Type, peerName(st.Peer), util.FormatDuration(st.Elapsed)))
	default:
		pterm.Info.Println(fmt.Sprintf("%s call with %s (%s)", st.Type, peerName(st.Peer), st.Stage))
	}
}

// onChange renders controller state transitions. It runs on the
// controller's notification path, so it only prints.
func (u *ui) onChange(st call.Status) {
	switch st.Stage {
	case call.StageOutgoing:
		pterm.Info.Println(fmt.Sprintf("Calling %s…", peerName(st.Peer)))
	case call.StageIncoming:
		pterm.Info.Println(fmt.Sprintf("Incoming %s call from %s — type 'accept' or 'decline'",
			st.Type, peerName(st.Peer)))
	case call.StageActive:
		if st.Connected {
			pterm.Success.Println(fmt.Sprintf("Connected to %s", peerName(st.Peer)))
		}
	case call.StageEnded, call.StageIdle:
		if st.Err != nil {
			pterm.Warning.Println(fmt.Sprintf("Call failed: %v", st.Err))
		} else if st.Stage == call.StageEnded {
			pterm.Info.Println("Call ended")
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func peerName(u directory.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.ID
}

func printHelp() {
	pterm.Println()
	pterm.Info.Println("Commands: list | call <user> [video] | accept | decline | hangup | mute | camera | status | quit")
	pterm.Println()
}

// ask prompts until a non-empty value is entered.
func ask(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		pterm.Warning.Println("a value is required")
	}
}
